package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/tally/comms"
)

func waitStart(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept serving after Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start() }()
	waitStart(t, done)
}

func TestStartStopConcurrently(t *testing.T) {
	for range 20 {
		s, _ := newTestServer(t)
		done := make(chan error, 1)
		go func() { done <- s.Start() }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.Stop(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
		waitStart(t, done)
	}
}

// countingBus tracks live subscriptions.
type countingBus struct {
	*comms.InMemoryBus
	live atomic.Int32
}

func (b *countingBus) Subscribe(recipientID string, h comms.Handler) func() {
	b.live.Add(1)
	unsub := b.InMemoryBus.Subscribe(recipientID, h)
	return func() {
		b.live.Add(-1)
		unsub()
	}
}

func TestStopReleasesBusSubscription(t *testing.T) {
	s, _ := newTestServer(t)
	bus := &countingBus{InMemoryBus: comms.NewInMemoryBus()}
	s.SetBus(bus)
	s.Handler()
	if got := bus.live.Load(); got != 1 {
		t.Fatalf("live subscriptions = %d, want 1", got)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := bus.live.Load(); got != 0 {
		t.Errorf("live subscriptions after Stop = %d, want 0", got)
	}
}

func TestStoppedServerDoesNotSubscribe(t *testing.T) {
	s, _ := newTestServer(t)
	bus := &countingBus{InMemoryBus: comms.NewInMemoryBus()}
	s.SetBus(bus)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.Handler()
	if got := bus.live.Load(); got != 0 {
		t.Errorf("live subscriptions = %d, want 0", got)
	}
}
