package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/config"
	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
	"github.com/GoCodeAlone/tally/workflow"
)

const testSecret = "test-secret-key-1234567890"

func hashPassword(t *testing.T, pw string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(b)
}

// newTestServer returns a server wired to a temp SQLite store with two
// accounts: boss (approver, password "secret") and alice (member,
// password "hunter2").
func newTestServer(t *testing.T) (*Server, *comms.InMemoryBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.Users = []config.UserConfig{
		{Username: "boss", PasswordHash: hashPassword(t, "secret"), Roles: []string{"approver"}},
		{Username: "alice", PasswordHash: hashPassword(t, "hunter2"), Roles: []string{"member"}},
	}

	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tally.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := tree.NewManager(store, logger)
	bus := comms.NewInMemoryBus()

	s := New(*cfg, "test", logger)
	s.SetStore(store)
	s.SetTree(tm)
	s.SetWorkflow(workflow.New(tm, nil, logger))
	s.SetMilestones(milestone.NewService(store, logger))
	s.SetBus(bus)
	return s, bus
}

func login(t *testing.T, h http.Handler, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d: %s", username, rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}
