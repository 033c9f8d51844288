package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	httperrors "github.com/mohammed-ibenayad/quality-traceability-execution/errors"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/config"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/orchestrator"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/pushchan"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/storage"

	"github.com/go-chi/chi/v5"
)

const defaultHistoryLimit = 50

type API struct {
	Runs     *orchestrator.Manager
	Registry *pushchan.Registry
	Sink     storage.ResultSink // May be nil; history endpoints answer 501
	Logger   *slog.Logger
	Config   *config.Config
}

func NewAPI(runs *orchestrator.Manager, registry *pushchan.Registry, sink storage.ResultSink, logger *slog.Logger, cfg *config.Config) *API {
	return &API{Runs: runs, Registry: registry, Sink: sink, Logger: logger, Config: cfg}
}

// startRequest is the body of POST /executions.
type startRequest struct {
	TestIDs    []string       `json:"test_ids"`
	Ref        string         `json:"ref,omitempty"`         // Overrides configured git ref
	WorkflowID string         `json:"workflow_id,omitempty"` // Overrides configured workflow
	Payload    map[string]any `json:"payload,omitempty"`     // Forwarded to the CI workflow
}

// HandleStartExecution triggers a new run for the given expected test ids.
func (a *API) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleStartExecution"))
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, logger, err, "Invalid JSON request body")
		return
	}
	defer r.Body.Close()
	if len(req.TestIDs) == 0 {
		httperrors.BadRequest(w, logger, nil, "Missing required field: test_ids")
		return
	}

	var trigger *ci.TriggerInput
	if a.Config.HasCIProvider() {
		ref := req.Ref
		if ref == "" {
			ref = a.Config.GitHub_Ref
		}
		workflow := req.WorkflowID
		if workflow == "" {
			workflow = a.Config.GitHub_WorkflowID
		}
		trigger = &ci.TriggerInput{
			Owner:      a.Config.GitHub_Owner,
			Repo:       a.Config.GitHub_Repo,
			Ref:        ref,
			WorkflowID: workflow,
			Payload:    req.Payload,
		}
	}

	run, err := a.Runs.Start(req.TestIDs, trigger)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to start execution run")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"request_id": run.RequestID(),
		"state":      string(run.Snapshot().State),
	})
}

// HandleGetExecution returns the full current snapshot of a run. Falls back
// to the persisted snapshot for runs already released from memory.
func (a *API) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	logger := a.Logger.With(slog.String("handler", "HandleGetExecution"), slog.String("request_id", requestID))

	if run, ok := a.Runs.Get(requestID); ok {
		writeJSON(w, http.StatusOK, run.Snapshot())
		return
	}
	if a.Sink != nil {
		snap, err := a.Sink.GetRun(r.Context(), requestID)
		if err != nil {
			httperrors.InternalServerError(w, logger, err, "Failed to load persisted run")
			return
		}
		if snap != nil {
			writeJSON(w, http.StatusOK, *snap)
			return
		}
	}
	httperrors.NotFound(w, logger, nil, "Unknown request id")
}

// HandleGetExecutionResults returns just the per-test records of a run.
func (a *API) HandleGetExecutionResults(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	logger := a.Logger.With(slog.String("handler", "HandleGetExecutionResults"), slog.String("request_id", requestID))

	run, ok := a.Runs.Get(requestID)
	if !ok {
		httperrors.NotFound(w, logger, nil, "Unknown request id")
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot().Results)
}

// HandleCancelExecution cancels an active run.
func (a *API) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	logger := a.Logger.With(slog.String("handler", "HandleCancelExecution"), slog.String("request_id", requestID))

	if !a.Runs.Cancel(requestID) {
		httperrors.NotFound(w, logger, nil, "Unknown request id")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleReleaseExecution drops a finished run from the in-memory registry
// when the consuming UI session is done with it.
func (a *API) HandleReleaseExecution(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	a.Runs.Release(requestID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListExecutions returns persisted run history, newest first.
func (a *API) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleListExecutions"))
	if a.Sink == nil {
		httperrors.StatusNotImplemented(w, logger, nil, "Run history requires a configured result store")
		return
	}
	snaps, err := a.Sink.ListRuns(r.Context(), defaultHistoryLimit)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to list persisted runs")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// webhookPayload accepts both inbound push shapes: per-test-case and legacy
// bulk. Per-test-case wins when both discriminators are present.
type webhookPayload struct {
	RequestID  string           `json:"request_id"`
	TestCaseID string           `json:"test_case_id,omitempty"`
	TestCase   *models.RawTest  `json:"test_case,omitempty"`
	RawXML     string           `json:"raw_xml,omitempty"`
	Results    []models.RawTest `json:"results,omitempty"`
	Timestamp  time.Time        `json:"timestamp,omitempty"`
}

// HandleResultWebhook is the HTTP delivery path of the push channel. Events
// are dispatched into the same registry the AMQP bridge feeds, so both
// transports share identical ingestion semantics.
func (a *API) HandleResultWebhook(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleResultWebhook"))
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httperrors.BadRequest(w, logger, err, "Invalid JSON webhook payload")
		return
	}
	defer r.Body.Close()
	if payload.RequestID == "" {
		httperrors.BadRequest(w, logger, nil, "Missing required field: request_id")
		return
	}
	ts := payload.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch {
	case payload.TestCaseID != "":
		a.Registry.Dispatch(models.PushEvent{
			RequestID:  payload.RequestID,
			TestCaseID: payload.TestCaseID,
			TestCase:   payload.TestCase,
			RawXML:     payload.RawXML,
			Timestamp:  ts,
		})
	case len(payload.Results) > 0:
		a.Registry.DispatchBulk(models.BulkPushEvent{
			RequestID: payload.RequestID,
			Results:   payload.Results,
			Timestamp: ts,
		})
	default:
		httperrors.BadRequest(w, logger, nil, "Webhook payload has neither test_case_id nor results")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
