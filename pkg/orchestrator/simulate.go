package orchestrator

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// Simulated mode exists purely so the dashboard is exercisable without a
// live backend. It is entered only when no CI repository is configured AND
// the push backend is unreachable; it never silently substitutes for a real
// run (see handleTimer).

// failureArchetypes are the fixed synthetic failures simulated runs draw
// from. Classified through the real classifier so simulated records look
// like real ones downstream.
var failureArchetypes = []models.RawFailure{
	{
		Type:       "AssertionError",
		Message:    "expected value did not match",
		StackTrace: "tests/test_simulated.py:42: AssertionError\nassert 'actual' == 'expected'",
	},
	{
		Type:       "TimeoutException",
		Message:    "element did not appear within 30s",
		StackTrace: "at waitFor (helpers/wait.js:17:5)",
	},
	{
		Type:       "NoSuchElementException",
		Message:    "unable to locate element #submit-button",
		StackTrace: "at com.quality.ui.LoginTest.submit(LoginTest.java:88)",
	},
	{
		Type:       "ConnectionError",
		Message:    "API endpoint refused connection",
		StackTrace: "requests/adapters.py:519: ConnectionError",
	},
}

// startSimulation synthesizes a Running -> terminal transition per expected
// id on a staggered delay, posting through the normal message queue so
// cancellation and merge semantics apply unchanged.
func (r *Run) startSimulation() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	stagger := r.cfg.SimulateStagger
	if stagger <= 0 {
		stagger = 300 * time.Millisecond
	}

	for i, id := range r.expected {
		testID := id
		startDelay := time.Duration(i) * stagger
		finishDelay := startDelay + stagger/2 + time.Duration(rng.Int63n(int64(stagger)))
		failed := rng.Float64() < r.cfg.SimulateFailureRate
		archetype := failureArchetypes[rng.Intn(len(failureArchetypes))]

		time.AfterFunc(startDelay, func() {
			r.post(message{source: models.SourceSimulated, push: &models.PushEvent{
				RequestID:  r.requestID,
				TestCaseID: testID,
				TestCase:   &models.RawTest{Name: testID, Status: "running"},
				Timestamp:  time.Now().UTC(),
			}})
		})
		time.AfterFunc(finishDelay, func() {
			r.post(message{source: models.SourceSimulated, push: &models.PushEvent{
				RequestID:  r.requestID,
				TestCaseID: testID,
				TestCase:   simulatedTerminal(testID, failed, archetype, rng.Int63n(2000)+200),
				Timestamp:  time.Now().UTC(),
			}})
		})
	}
}

func simulatedTerminal(testID string, failed bool, archetype models.RawFailure, durationMs int64) *models.RawTest {
	rt := &models.RawTest{
		Name:       testID,
		Status:     "passed",
		DurationMs: durationMs,
		Logs:       fmt.Sprintf("Simulated execution of %s (no backend configured)", testID),
	}
	if failed {
		rt.Status = "failed"
		rt.Failure = &archetype
	}
	return rt
}
