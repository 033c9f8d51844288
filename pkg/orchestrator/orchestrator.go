// Package orchestrator owns the lifecycle of one execution request: issuing
// the CI trigger, registering the expected test-case set, merging normalized
// results from the push and poll channels, detecting completion, and handling
// timeout, cancellation and simulated fallback.
//
// Each run is a single actor goroutine consuming one message channel. Every
// event source (push subscription, timer, trigger response, poll outcome,
// cancel) is a message on that channel, so stale-event rejection and
// synchronous completion checks are properties of the queue itself rather
// than guards scattered through callbacks.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/junitxml"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/normalize"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/poll"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/pushchan"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/storage"
)

// Config tunes run lifecycle timing.
type Config struct {
	// WebhookTimeout is the soft deadline before the fallback poller is
	// armed when the push backend is reachable.
	WebhookTimeout time.Duration
	// WebhookTimeoutOffline replaces WebhookTimeout when the push backend
	// is unreachable.
	WebhookTimeoutOffline time.Duration
	PollInterval          time.Duration
	PollMaxAttempts       int
	// SimulateStagger is the per-test delay step in simulated mode.
	SimulateStagger time.Duration
	// SimulateFailureRate is the synthetic failure probability (0..1).
	SimulateFailureRate float64
}

// Defaults per the webhook/poll timing contract.
func DefaultConfig() Config {
	return Config{
		WebhookTimeout:        2 * time.Minute,
		WebhookTimeoutOffline: 30 * time.Second,
		PollInterval:          poll.DefaultInterval,
		PollMaxAttempts:       poll.DefaultMaxAttempts,
		SimulateStagger:       300 * time.Millisecond,
		SimulateFailureRate:   0.3,
	}
}

// ChannelBinder attaches/detaches a transport-level consumer for a request
// id (e.g., the AMQP bridge). Nil when no broker is configured.
type ChannelBinder interface {
	BindRequest(requestID string) error
	UnbindRequest(requestID string)
}

// Deps are the collaborators injected into every run. Provider, Binder,
// Health and Sink are optional; a nil Provider together with an unreachable
// push backend gates the simulated fallback.
type Deps struct {
	Registry *pushchan.Registry
	Binder   ChannelBinder
	Health   pushchan.HealthChecker
	Provider ci.Provider
	Poller   *poll.Poller
	Sink     storage.ResultSink
	Logger   *slog.Logger
}

// message is the single actor-queue envelope. Exactly one payload field is
// set; source optionally relabels push payload provenance (simulated mode).
type message struct {
	push    *models.PushEvent
	source  models.Source
	trigger *triggerResult
	poll    *poll.Outcome
	timer   bool
	cancel  bool
}

type triggerResult struct {
	out *ci.TriggerOutput
	err error
}

// Run is one live execution request. All mutation happens on the actor
// goroutine; Snapshot reads go through the mutex-guarded request state.
type Run struct {
	requestID string
	expected  []string
	cfg       Config
	deps      Deps
	trigger   *ci.TriggerInput // Nil when no CI repository is configured
	logger    *slog.Logger

	msgs chan message
	done chan struct{}

	// Actor-local state, only touched inside loop().
	runID      int64
	timerFires int
	timer      *time.Timer
	polling    bool
	cancelPoll context.CancelFunc

	store      *requestStore
	onTerminal func(requestID string)
}

func newRun(requestID string, expectedIDs []string, trigger *ci.TriggerInput, cfg Config, deps Deps, onTerminal func(string)) *Run {
	r := &Run{
		requestID:  requestID,
		expected:   append([]string(nil), expectedIDs...),
		cfg:        cfg,
		deps:       deps,
		trigger:    trigger,
		logger:     deps.Logger.With(slog.String("component", "orchestrator"), slog.String("request_id", requestID)),
		msgs:       make(chan message, 64),
		done:       make(chan struct{}),
		store:      newRequestStore(requestID, expectedIDs),
		onTerminal: onTerminal,
	}
	return r
}

// RequestID returns the opaque id of this run.
func (r *Run) RequestID() string { return r.requestID }

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Snapshot returns the full current result table plus run state. Pull-style
// read for the API/UI; safe from any goroutine.
func (r *Run) Snapshot() models.RunSnapshot { return r.store.snapshot() }

// Cancel requests user-initiated cancellation. Immediate and unconditional:
// it does not wait for in-flight poll requests, whose late outcomes are
// dropped by the terminal check.
func (r *Run) Cancel() { r.post(message{cancel: true}) }

// post enqueues a message unless the run already terminated. Dropping late
// messages here is what makes stale callbacks harmless.
func (r *Run) post(m message) {
	select {
	case <-r.done:
	case r.msgs <- m:
	}
}

// start wires the channels and launches the actor goroutine.
func (r *Run) start() {
	r.store.setState(models.RunStarting, "")

	// Push channel first, so no early event is lost. The handler double
	// checks the request id: the registry already keys subscriptions by it,
	// but an event forged or replayed with a different id must not land here.
	r.deps.Registry.Subscribe(r.requestID, func(ev models.PushEvent) {
		if ev.RequestID != r.requestID {
			return
		}
		r.post(message{push: &ev})
	})
	if r.deps.Binder != nil {
		if err := r.deps.Binder.BindRequest(r.requestID); err != nil {
			r.logger.Warn("Failed to bind AMQP consumer, relying on HTTP webhook delivery", slog.String("error", err.Error()))
		}
	}

	timeout := r.cfg.WebhookTimeoutOffline
	if r.pushReachable() {
		timeout = r.cfg.WebhookTimeout
	}
	r.timer = time.AfterFunc(timeout, func() { r.post(message{timer: true}) })

	if r.deps.Provider != nil && r.trigger != nil {
		go func() {
			out, err := r.deps.Provider.TriggerRun(context.Background(), *r.trigger)
			r.post(message{trigger: &triggerResult{out: out, err: err}})
		}()
	}
	r.store.setState(models.RunWaiting, "")

	go r.loop()
}

func (r *Run) pushReachable() bool {
	if r.deps.Health == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.deps.Health.Healthy(ctx)
}

// loop is the actor body. It exits only via a terminal transition.
func (r *Run) loop() {
	for m := range r.msgs {
		switch {
		case m.push != nil:
			r.handlePush(*m.push, m.source)
		case m.trigger != nil:
			r.handleTrigger(*m.trigger)
		case m.poll != nil:
			r.handlePoll(*m.poll)
		case m.timer:
			r.handleTimer()
		case m.cancel:
			r.handleCancel()
		}
		if r.store.state().IsTerminal() {
			r.finish()
			return
		}
	}
}

// handlePush normalizes and merges one per-test-case event. Embedded XML is
// authoritative over the webhook-level test case data.
func (r *Run) handlePush(ev models.PushEvent, source models.Source) {
	id := ev.TestCaseID
	if id == "" {
		r.logger.Warn("Push event missing test case id, dropped")
		return
	}
	if source == "" {
		source = models.SourcePush
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var rec *models.TestResultRecord
	if ev.RawXML != "" {
		if xmlRec := r.recordFromEmbeddedXML(id, ev.RawXML, ts); xmlRec != nil {
			rec = xmlRec
		}
	}
	if rec == nil && ev.TestCase != nil {
		rec = normalize.FromRaw(id, *ev.TestCase, source, ts)
	}
	if rec == nil {
		r.logger.Warn("Push event carried neither XML nor test case data", slog.String("test_case_id", id))
		return
	}

	r.store.merge(rec)
	r.checkCompletion()
}

// recordFromEmbeddedXML parses the per-test-case XML fragment delivered in a
// push event. A malformed fragment falls back to the webhook envelope data.
func (r *Run) recordFromEmbeddedXML(id, rawXML string, ts time.Time) *models.TestResultRecord {
	report, err := junitxml.Parse([]byte(rawXML))
	if err != nil || len(report.Tests) == 0 {
		if err != nil {
			r.logger.Warn("Embedded XML unparseable, falling back to webhook payload",
				slog.String("test_case_id", id), slog.String("error", err.Error()))
		}
		return nil
	}
	// Prefer the test matching the id; a single-test fragment is taken as-is.
	for _, pt := range report.Tests {
		if matched, ok := normalize.MatchToTestID(pt.Name, pt.Classname, []string{id}); ok && matched == id {
			return normalize.FromParsed(id, pt, ts)
		}
	}
	return normalize.FromParsed(id, report.Tests[0], ts)
}

func (r *Run) handleTrigger(tr triggerResult) {
	if tr.err != nil {
		// Total trigger failure: one run-level error plus an explicit
		// terminal record for every id, never an unhandled error upward.
		r.logger.Error("CI trigger failed", slog.String("error", tr.err.Error()))
		r.resolvePendingAsNotFound()
		r.store.setState(models.RunError, fmt.Sprintf("failed to trigger CI run: %v", tr.err))
		return
	}
	r.runID = tr.out.RunID
	r.logger.Info("CI run triggered",
		slog.Int64("run_id", tr.out.RunID),
		slog.String("status_url", tr.out.StatusURL))
}

func (r *Run) handleTimer() {
	r.timerFires++

	switch {
	case r.deps.Provider != nil && r.runID != 0 && !r.polling:
		r.startPoller()
	case r.deps.Provider != nil && r.runID == 0:
		// Trigger still in flight; give it one more timeout window.
		if r.timerFires >= 2 {
			r.resolvePendingAsNotFound()
			r.store.setState(models.RunError, "CI run could not be located before timeout")
			return
		}
		r.timer = time.AfterFunc(r.cfg.WebhookTimeoutOffline, func() { r.post(message{timer: true}) })
	case r.deps.Provider == nil && !r.pushReachable():
		// No real configuration present: simulated mode, clearly gated.
		r.logger.Warn("No CI repository configured and push backend unreachable, entering simulated mode")
		r.startSimulation()
	default:
		// No provider but the push backend is alive; wait one more window
		// before giving up so a slow real run can still land.
		if r.timerFires >= 2 {
			r.resolvePendingAsNotFound()
			r.store.setState(models.RunTimedOut, "no results arrived on the push channel before timeout")
			return
		}
		r.timer = time.AfterFunc(r.cfg.WebhookTimeout, func() { r.post(message{timer: true}) })
	}
}

func (r *Run) startPoller() {
	if r.deps.Poller == nil {
		r.deps.Poller = poll.New(r.deps.Provider, nil, r.cfg.PollInterval, r.cfg.PollMaxAttempts, r.logger)
	}
	r.polling = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelPoll = cancel
	go func() {
		outcome := r.deps.Poller.Run(ctx, r.requestID, r.runID, r.expected)
		r.post(message{poll: &outcome})
	}()
	r.logger.Info("Fallback poller armed", slog.Int64("run_id", r.runID))
}

func (r *Run) handlePoll(outcome poll.Outcome) {
	r.polling = false
	if outcome.Err != nil {
		if outcome.Err == context.Canceled {
			return
		}
		r.logger.Error("Fallback poller gave up", slog.String("error", outcome.Err.Error()))
		r.resolvePendingAsNotFound()
		r.store.setState(models.RunError, fmt.Sprintf("polling timed out: %v", outcome.Err))
		return
	}

	// One-shot bulk merge covering all expected ids. XML precedence is
	// enforced inside merge, so ordering against push events is irrelevant.
	for _, rec := range outcome.Results {
		r.store.merge(rec)
	}
	r.checkCompletion()

	// Poll results are terminal by construction; if something still is not,
	// it is resolved explicitly rather than left pending forever.
	if !r.store.state().IsTerminal() {
		r.resolvePendingAsNotFound()
		r.store.setState(models.RunCompleted, "")
	}
}

func (r *Run) handleCancel() {
	note := "Execution cancelled by user"
	r.store.cancelPending(note)
	r.store.setState(models.RunCancelled, "")
	r.logger.Info("Run cancelled by user")
}

// checkCompletion transitions to Completed when every expected id holds a
// terminal status. Recomputed synchronously after every merge.
func (r *Run) checkCompletion() {
	terminal, total := r.store.terminalCount()
	if terminal >= total {
		r.store.setState(models.RunCompleted, "")
		return
	}
	if r.store.state() == models.RunWaiting {
		r.store.setState(models.RunRunning, "")
	}
}

// resolvePendingAsNotFound gives every non-terminal id an explicit terminal
// record so the caller never sees a run stuck "pending" after give-up.
func (r *Run) resolvePendingAsNotFound() {
	r.store.resolvePending(func(id string) *models.TestResultRecord {
		return normalize.NotFoundRecord(id, time.Now().UTC())
	})
}

// finish disarms timers, releases channel resources and persists the
// terminal snapshot. Runs exactly once.
func (r *Run) finish() {
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.cancelPoll != nil {
		r.cancelPoll()
	}
	r.deps.Registry.Unsubscribe(r.requestID)
	if r.deps.Binder != nil {
		r.deps.Binder.UnbindRequest(r.requestID)
	}
	close(r.done)

	snap := r.store.snapshot()
	r.logger.Info("Run finished",
		slog.String("state", string(snap.State)),
		slog.Int("total", snap.Total),
		slog.Int("failed", snap.Failed))

	if r.deps.Sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.deps.Sink.SaveRun(ctx, snap); err != nil {
				r.logger.Error("Failed to persist terminal run snapshot", slog.String("error", err.Error()))
			}
		}()
	}
	if r.onTerminal != nil {
		r.onTerminal(r.requestID)
	}
}
