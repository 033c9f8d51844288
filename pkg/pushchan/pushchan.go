// Package pushchan implements the push-side ingestion channel: a process-wide
// subscription registry keyed by request id. Transports (HTTP webhook, AMQP
// bridge) dispatch inbound events into the registry; the orchestrator owning
// a request subscribes exactly one handler for it.
package pushchan

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// Handler receives one inbound per-test-case event. Called outside the
// registry lock; handlers must be safe to call from transport goroutines.
type Handler func(ev models.PushEvent)

// HealthChecker probes whether a push backend is reachable. The orchestrator
// uses it to pick the webhook timeout and to decide on simulated fallback.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// subscription is the per-request listener state. Refs counts observers
// (UI components, orchestrator) sharing the same request; the handler is
// installed once and torn down once, when the last observer unsubscribes.
type subscription struct {
	handler Handler
	refs    int
}

// Registry is the single fan-in point for push events. One handler per
// request id; subscribing twice for the same id is a no-op, not an error.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	subs   map[string]*subscription
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With(slog.String("component", "push_registry")),
		subs:   make(map[string]*subscription),
	}
}

// Subscribe installs the handler for a request id. A second subscribe for
// the same id keeps the original handler and only bumps the reference count:
// a repeated setup call (e.g., a UI re-render) must never double-dispatch.
// Returns true when the handler was newly installed.
func (r *Registry) Subscribe(requestID string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, exists := r.subs[requestID]; exists {
		sub.refs++
		r.logger.Debug("Duplicate subscribe ignored", slog.String("request_id", requestID), slog.Int("refs", sub.refs))
		return false
	}
	r.subs[requestID] = &subscription{handler: h, refs: 1}
	r.logger.Info("Push subscription registered", slog.String("request_id", requestID))
	return true
}

// Unsubscribe drops one reference for the request id and tears the
// subscription down when the last reference is released. Unsubscribing an
// unknown id is a no-op.
func (r *Registry) Unsubscribe(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subs[requestID]
	if !exists {
		return
	}
	sub.refs--
	if sub.refs <= 0 {
		delete(r.subs, requestID)
		r.logger.Info("Push subscription removed", slog.String("request_id", requestID))
	}
}

// Active reports whether a subscription exists for the request id.
func (r *Registry) Active(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.subs[requestID]
	return exists
}

// Dispatch delivers one per-test-case event to the subscribed handler.
// Events for unknown request ids are dropped: either the run finished and
// unsubscribed, or the event belongs to a superseded request.
func (r *Registry) Dispatch(ev models.PushEvent) {
	r.mu.Lock()
	sub, exists := r.subs[ev.RequestID]
	var h Handler
	if exists {
		h = sub.handler
	}
	r.mu.Unlock()

	if h == nil {
		r.logger.Debug("Dropping push event for unknown request",
			slog.String("request_id", ev.RequestID),
			slog.String("test_case_id", ev.TestCaseID))
		return
	}
	h(ev)
}

// DispatchBulk fans a legacy bulk-shape event out into per-test-case events
// and dispatches each through the normal path.
func (r *Registry) DispatchBulk(ev models.BulkPushEvent) {
	for i := range ev.Results {
		rt := ev.Results[i]
		id := rt.ID
		if id == "" {
			id = rt.Name
		}
		r.Dispatch(models.PushEvent{
			RequestID:  ev.RequestID,
			TestCaseID: id,
			TestCase:   &rt,
			Timestamp:  ev.Timestamp,
		})
	}
}
