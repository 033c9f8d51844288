package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
)

// Manager is the explicit session registry for active runs: created on the
// first run start, entries torn down when their run reaches a terminal
// state. It replaces ambient process-wide maps with an object every consumer
// receives by reference.
type Manager struct {
	cfg  Config
	deps Deps

	mu     sync.RWMutex
	active map[string]*Run
	logger *slog.Logger
}

// NewManager creates the session registry.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		active: make(map[string]*Run),
		logger: deps.Logger.With(slog.String("component", "run_manager")),
	}
}

// Start creates a fresh ExecutionRequest with a new request id, registers
// the expected test-case set and launches the run actor. The trigger input
// is nil when no CI repository is configured; the run then relies on the
// push channel and, failing that, simulated fallback.
func (m *Manager) Start(expectedTestIDs []string, trigger *ci.TriggerInput) (*Run, error) {
	if len(expectedTestIDs) == 0 {
		return nil, fmt.Errorf("cannot start a run with no expected test ids")
	}

	requestID := uuid.NewString()
	// Terminal runs stay registered so their final snapshot remains
	// readable; Release drops them when the consuming session ends.
	run := newRun(requestID, expectedTestIDs, trigger, m.cfg, m.deps, nil)

	m.mu.Lock()
	m.active[requestID] = run
	m.mu.Unlock()

	m.logger.Info("Starting execution run",
		slog.String("request_id", requestID),
		slog.Int("expected_tests", len(expectedTestIDs)))
	run.start()
	return run, nil
}

// Get returns the run for a request id, live or finished-but-unreleased.
func (m *Manager) Get(requestID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.active[requestID]
	return run, ok
}

// Cancel cancels an active run. Returns false for unknown (or already
// finished) request ids.
func (m *Manager) Cancel(requestID string) bool {
	run, ok := m.Get(requestID)
	if !ok {
		return false
	}
	run.Cancel()
	return true
}

// ActiveCount reports how many runs are currently live.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown cancels every active run, used on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.active))
	for _, run := range m.active {
		runs = append(runs, run)
	}
	m.mu.RUnlock()

	for _, run := range runs {
		run.Cancel()
	}
}

// Release drops a run from the registry once its consuming session is done
// with it. Releasing an unknown id is a no-op.
func (m *Manager) Release(requestID string) {
	m.mu.Lock()
	delete(m.active, requestID)
	m.mu.Unlock()
}
