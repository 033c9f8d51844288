package github

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeActions is a minimal GitHub Actions API double. After a dispatch is
// received it starts reporting one extra run in the listing.
type fakeActions struct {
	mu         sync.Mutex
	dispatched []string // Paths of received dispatch calls
	bodies     []map[string]any
	newRunID   int64
}

func (f *fakeActions) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/tracker/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		runs := []map[string]any{{"id": 100, "status": "completed"}}
		if len(f.dispatched) > 0 {
			runs = append(runs, map[string]any{"id": f.newRunID, "status": "queued", "html_url": "https://example.test/run"})
		}
		json.NewEncoder(w).Encode(map[string]any{"workflow_runs": runs})
	})
	dispatch := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.dispatched = append(f.dispatched, r.URL.Path)
		f.bodies = append(f.bodies, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
	mux.HandleFunc("/repos/acme/tracker/actions/workflows/tests.yml/dispatches", dispatch)
	mux.HandleFunc("/repos/acme/tracker/dispatches", dispatch)
	mux.HandleFunc("/repos/acme/tracker/actions/runs/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "status": "completed", "conclusion": "success"})
	})
	mux.HandleFunc("/repos/acme/tracker/actions/runs/7/artifacts", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"artifacts": []map[string]any{
			{"id": 55, "name": "test-results", "size_in_bytes": 1024},
		}})
	})
	mux.HandleFunc("/repos/acme/tracker/actions/artifacts/55/zip", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("zip-bytes"))
	})
	return mux
}

func newFakeClient(t *testing.T) (*Client, *fakeActions) {
	t.Helper()
	fake := &fakeActions{newRunID: 7}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "token", "acme", "tracker", testLogger()), fake
}

func TestTriggerRunLocatesNewRunByListingDiff(t *testing.T) {
	client, fake := newFakeClient(t)

	out, err := client.TriggerRun(context.Background(), ci.TriggerInput{
		Owner:      "acme",
		Repo:       "tracker",
		Ref:        "main",
		WorkflowID: "tests.yml",
		Payload:    map[string]any{"requestId": "req-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), out.RunID)
	assert.Equal(t, "https://example.test/run", out.StatusURL)

	require.Len(t, fake.dispatched, 1)
	assert.Equal(t, "/repos/acme/tracker/actions/workflows/tests.yml/dispatches", fake.dispatched[0])
	assert.Equal(t, "main", fake.bodies[0]["ref"])
	require.NotNil(t, fake.bodies[0]["inputs"])
}

func TestTriggerRunRepositoryDispatchWithoutWorkflow(t *testing.T) {
	client, fake := newFakeClient(t)

	_, err := client.TriggerRun(context.Background(), ci.TriggerInput{
		Owner: "acme",
		Repo:  "tracker",
	})
	require.NoError(t, err)
	require.Len(t, fake.dispatched, 1)
	assert.Equal(t, "/repos/acme/tracker/dispatches", fake.dispatched[0])
	assert.Equal(t, "quality-tracker-run", fake.bodies[0]["event_type"])
}

func TestGetRunStatus(t *testing.T) {
	client, _ := newFakeClient(t)

	status, err := client.GetRunStatus(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, ci.RunCompleted, status.Status)
	assert.Equal(t, "success", status.Conclusion)
}

func TestListAndDownloadArtifacts(t *testing.T) {
	client, _ := newFakeClient(t)

	artifacts, err := client.ListArtifacts(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, int64(55), artifacts[0].ID)
	assert.Equal(t, "test-results", artifacts[0].Name)

	data, err := client.DownloadArtifact(context.Background(), 55)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip-bytes"), data)
}

func TestGetRunStatusRejectsErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "token", "acme", "tracker", testLogger())

	_, err := client.GetRunStatus(context.Background(), 7)
	require.Error(t, err)
}
