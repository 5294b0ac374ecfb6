package version

import "testing"

func TestString(t *testing.T) {
	old := Version
	Version = "1.2.3"
	defer func() { Version = old }()

	want := "tally 1.2.3 (commit unknown, built unknown)"
	if got := String("tally"); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
