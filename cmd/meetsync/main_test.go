package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// =====================================================
// Helpers
// =====================================================

// fakeRemote is a minimal versioned record store speaking the connector's
// REST protocol.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]*models.RemoteRecordState
	pushes  int
}

func newFakeRemote(t *testing.T) (*fakeRemote, *httptest.Server) {
	t.Helper()

	r := &fakeRemote{records: make(map[string]*models.RemoteRecordState)}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *fakeRemote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.URL.Path == "/v1/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if strings.HasSuffix(req.URL.Path, "/changes") {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
		return
	}

	key := strings.TrimPrefix(req.URL.Path, "/v1/collections/")
	switch req.Method {
	case http.MethodGet:
		state, ok := r.records[key]
		if !ok {
			http.NotFound(w, req)
			return
		}
		json.NewEncoder(w).Encode(state)

	case http.MethodPut:
		var body struct {
			Payload map[string]interface{} `json:"payload"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.pushes++
		state := r.records[key]
		if state == nil {
			parts := strings.Split(key, "/")
			state = &models.RemoteRecordState{Collection: parts[0], RecordID: parts[len(parts)-1]}
			r.records[key] = state
		}
		state.RemoteVersion++
		state.RemoteUpdatedAt = time.Now().UnixMilli()
		state.Payload = body.Payload
		json.NewEncoder(w).Encode(state)

	case http.MethodDelete:
		r.pushes++
		delete(r.records, key)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *fakeRemote) record(collection, recordID string) *models.RemoteRecordState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[collection+"/records/"+recordID]
}

// setupEnv points the CLI at a fresh data directory.
func setupEnv(t *testing.T, remoteURL string) {
	t.Helper()

	t.Setenv("MEETSYNC_DATA_DIR", t.TempDir())
	t.Setenv("MEETSYNC_LOG_LEVEL", "error")
	t.Setenv("MEETSYNC_REMOTE_BASE_URL", remoteURL)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()

	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("meetsync %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// =====================================================
// Tests
// =====================================================

func TestVersionDefault(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}

	out := mustExecute(t, "--version")
	if !strings.Contains(out, Version) {
		t.Errorf("--version output %q does not contain %q", out, Version)
	}
}

// Mutations made with no remote survive restarts and sync once a remote
// is configured.
func TestOfflineQueueThenSync(t *testing.T) {
	setupEnv(t, "")

	out := mustExecute(t, "enqueue", "create", "meetings", "m-1", "--payload", `{"title":"Offline"}`)
	var item models.QueueItem
	if err := json.Unmarshal([]byte(out), &item); err != nil {
		t.Fatalf("enqueue output is not a queue item: %v\n%s", err, out)
	}
	if item.RecordID != "m-1" || item.ItemID == "" {
		t.Fatalf("unexpected item: %+v", item)
	}

	_, err := execute(t, "sync")
	if !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		t.Fatalf("sync without remote: expected SYNC_NOT_CONFIGURED, got %v", err)
	}

	// Each command opens the store afresh, like a process restart.
	var items []*models.QueueItem
	if err := json.Unmarshal([]byte(mustExecute(t, "queue", "list")), &items); err != nil {
		t.Fatalf("queue list output: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item after restart, got %d", len(items))
	}

	remote, srv := newFakeRemote(t)
	t.Setenv("MEETSYNC_REMOTE_BASE_URL", srv.URL)

	out = mustExecute(t, "sync")
	var result struct {
		Succeeded int `json:"succeeded"`
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("sync output: %v\n%s", err, out)
	}
	if result.Succeeded != 1 || result.Remaining != 0 {
		t.Errorf("unexpected sweep result: %s", out)
	}

	rec := remote.record("meetings", "m-1")
	if rec == nil {
		t.Fatal("record was not pushed")
	}
	if rec.Payload["title"] != "Offline" {
		t.Errorf("pushed payload = %v", rec.Payload)
	}
}

func TestStatus(t *testing.T) {
	_, srv := newFakeRemote(t)
	setupEnv(t, srv.URL)

	mustExecute(t, "enqueue", "update", "meetings", "m-1", "-p", `{"title":"x"}`)

	var status struct {
		QueueLength         int  `json:"queue_length"`
		Online              bool `json:"online"`
		ConnectorConfigured bool `json:"connector_configured"`
	}
	out := mustExecute(t, "status")
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status output: %v\n%s", err, out)
	}
	if status.QueueLength != 1 {
		t.Errorf("queue_length = %d, want 1", status.QueueLength)
	}
	if !status.ConnectorConfigured {
		t.Error("connector_configured should be true")
	}
}

func TestEnqueue_invalid(t *testing.T) {
	setupEnv(t, "")

	if _, err := execute(t, "enqueue", "upsert", "meetings", "m-1"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown operation: expected INVALID_INPUT, got %v", err)
	}
	if _, err := execute(t, "enqueue", "create", "meetings", "m-1", "-p", "not json"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("bad payload: expected INVALID_INPUT, got %v", err)
	}
	if _, err := execute(t, "enqueue", "create", "meetings"); err == nil {
		t.Error("missing record id should fail")
	}
}

func TestQueueClear(t *testing.T) {
	setupEnv(t, "")

	mustExecute(t, "enqueue", "create", "meetings", "m-1")
	mustExecute(t, "enqueue", "create", "meetings", "m-2")

	out := mustExecute(t, "queue", "clear")
	if !strings.Contains(out, "Cleared 2 item(s)") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestDeadLetterAndConflictCommands(t *testing.T) {
	setupEnv(t, "")

	out := mustExecute(t, "dead-letter", "list")
	if strings.TrimSpace(out) != "[]" && strings.TrimSpace(out) != "null" {
		t.Errorf("expected empty dead-letter list, got %q", out)
	}
	out = mustExecute(t, "dead-letter", "retry")
	if !strings.Contains(out, "Requeued 0 item(s)") {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := execute(t, "dead-letter", "retry", "missing"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("retry unknown item: expected NOT_FOUND, got %v", err)
	}

	mustExecute(t, "conflicts", "list")
	if _, err := execute(t, "conflicts", "resolve", "missing", "local_wins"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("resolve unknown item: expected NOT_FOUND, got %v", err)
	}
	mustExecute(t, "conflicts", "log", "-n", "5")
}

func TestPull(t *testing.T) {
	_, srv := newFakeRemote(t)
	setupEnv(t, srv.URL)

	out := mustExecute(t, "pull", "meetings")
	if !strings.Contains(out, "Refreshed 0 record(s) in meetings") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRunDaemon_stopsOnCancel(t *testing.T) {
	_, srv := newFakeRemote(t)
	setupEnv(t, srv.URL)
	t.Setenv("MEETSYNC_API_LISTEN", "127.0.0.1:0")

	a, err := openApp("")
	if err != nil {
		t.Fatalf("openApp() failed: %v", err)
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, a) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runDaemon returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runDaemon did not stop")
	}
}
