package orchestrator

import (
	"sync"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// requestStore holds the mutable ExecutionRequest behind a mutex so that
// Snapshot reads from API goroutines never race the actor's writes. The
// resultsById table is owned exclusively by one run's actor; no two runs
// ever share a request id.
type requestStore struct {
	mu  sync.RWMutex
	req models.ExecutionRequest
}

func newRequestStore(requestID string, expectedIDs []string) *requestStore {
	now := time.Now().UTC()
	results := make(map[string]*models.TestResultRecord, len(expectedIDs))
	for _, id := range expectedIDs {
		results[id] = &models.TestResultRecord{
			ID:         id,
			Name:       id,
			Status:     models.StatusNotStarted,
			ReceivedAt: now,
			Source:     models.SourceFallback,
		}
	}
	return &requestStore{
		req: models.ExecutionRequest{
			RequestID:       requestID,
			ExpectedTestIDs: append([]string(nil), expectedIDs...),
			ResultsByID:     results,
			State:           models.RunIdle,
			StartedAt:       &now,
		},
	}
}

func (s *requestStore) state() models.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.req.State
}

// setState applies a state transition. Terminal states are final: once
// reached, no further transition is accepted and EndedAt is stamped once.
func (s *requestStore) setState(state models.RunState, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req.State.IsTerminal() {
		return
	}
	s.req.State = state
	if errMsg != "" {
		s.req.Error = errMsg
	}
	if state.IsTerminal() {
		now := time.Now().UTC()
		s.req.EndedAt = &now
	}
}

// merge upserts one record. Precedence: an XML-sourced record for an id is
// never overwritten by a push-only or synthesized record, regardless of
// arrival order; everything else is last-write-wins. Failed status and a
// non-nil failure detail are kept consistent on the way in.
func (s *requestStore) merge(rec *models.TestResultRecord) {
	if rec == nil || rec.ID == "" {
		return
	}
	// Enforce the failure invariant at the single write point.
	if rec.Status != models.StatusFailed {
		rec.Failure = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.req.State.IsTerminal() {
		return
	}

	existing, known := s.req.ResultsByID[rec.ID]
	if known && existing.Source == models.SourceXML && rec.Source != models.SourceXML {
		// Keep XML data; only top up logs the weaker source may carry.
		return
	}
	s.req.ResultsByID[rec.ID] = rec
}

// cancelPending marks every non-terminal record Cancelled, appending the
// cancellation note to its logs.
func (s *requestStore) cancelPending(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, rec := range s.req.ResultsByID {
		if rec.Status.IsTerminal() {
			continue
		}
		rec.Status = models.StatusCancelled
		rec.Failure = nil
		rec.ReceivedAt = now
		if rec.Logs != "" {
			rec.Logs += "\n"
		}
		rec.Logs += note
	}
}

// resolvePending replaces every non-terminal record using the supplied
// constructor (typically a NotFound synthesizer).
func (s *requestStore) resolvePending(build func(id string) *models.TestResultRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.req.ResultsByID {
		if rec.Status.IsTerminal() {
			continue
		}
		if replacement := build(id); replacement != nil {
			s.req.ResultsByID[id] = replacement
		}
	}
}

// terminalCount returns how many expected ids hold a terminal status, and
// the expected total.
func (s *requestStore) terminalCount() (terminal, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.req.ExpectedTestIDs {
		if rec, ok := s.req.ResultsByID[id]; ok && rec.Status.IsTerminal() {
			terminal++
		}
	}
	return terminal, len(s.req.ExpectedTestIDs)
}

// snapshot builds the full read-model, results ordered by the expected id
// registration order.
func (s *requestStore) snapshot() models.RunSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := models.RunSnapshot{
		RequestID: s.req.RequestID,
		State:     s.req.State,
		Error:     s.req.Error,
		Total:     len(s.req.ExpectedTestIDs),
		StartedAt: s.req.StartedAt,
		EndedAt:   s.req.EndedAt,
	}
	snap.Results = make([]models.TestResultRecord, 0, len(s.req.ExpectedTestIDs))
	for _, id := range s.req.ExpectedTestIDs {
		rec, ok := s.req.ResultsByID[id]
		if !ok {
			continue
		}
		snap.Results = append(snap.Results, *rec)
		if rec.Status.IsTerminal() {
			snap.Completed++
		}
		if rec.Status == models.StatusFailed {
			snap.Failed++
		}
	}
	return snap
}
