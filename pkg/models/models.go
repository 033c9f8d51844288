package models

import "time"

// Status is the canonical test-case status every ingestion source is mapped into.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusRunning    Status = "RUNNING"
	StatusPassed     Status = "PASSED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
	StatusCancelled  Status = "CANCELLED"
	StatusNotFound   Status = "NOT_FOUND" // Requested id never appeared in any report
)

// IsTerminal reports whether a status counts toward run completion.
// Running and NotStarted are the only non-terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusCancelled, StatusNotFound:
		return true
	}
	return false
}

// Source records the provenance of a result record. Used for merge precedence:
// XML-derived data always wins over push-only data for the same id.
type Source string

const (
	SourcePush      Source = "push"      // Per-test-case push event (webhook/AMQP envelope)
	SourceXML       Source = "xml"       // Parsed from a JUnit XML report
	SourceSimulated Source = "simulated" // Locally synthesized, no real backend
	SourceFallback  Source = "fallback"  // Synthesized terminal record (e.g., NotFound on give-up)
)

// FailureCategory is the derived classification of a failure.
type FailureCategory string

const (
	CategoryAssertion FailureCategory = "assertion"
	CategoryTimeout   FailureCategory = "timeout"
	CategoryElement   FailureCategory = "element"
	CategoryNetwork   FailureCategory = "network"
	CategoryScript    FailureCategory = "script"
	CategoryGeneral   FailureCategory = "general"
)

// Confidence distinguishes structured XML-derived failure detail from
// synthesized placeholders.
type Confidence string

const (
	ConfidenceHigh Confidence = "high"
	ConfidenceLow  Confidence = "low"
)

// AssertionInfo is a best-effort extraction of the failing assertion.
// Either Expected/Actual/Operator are set (comparison found) or Expression
// holds the bare asserted expression.
type AssertionInfo struct {
	Available  bool   `json:"available"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// SourceLocation points at the file/line a failure was raised from.
type SourceLocation struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// FailureDetail carries everything known about one test failure.
type FailureDetail struct {
	Type       string          `json:"type"`     // Raw exception/assertion class name, or generic fallback
	Category   FailureCategory `json:"category"` // Derived via classification heuristics
	Message    string          `json:"message"`
	StackTrace string          `json:"stack_trace,omitempty"`
	Assertion  *AssertionInfo  `json:"assertion,omitempty"`
	Location   *SourceLocation `json:"location,omitempty"`
	Classname  string          `json:"classname,omitempty"` // From XML attributes, when available
	Method     string          `json:"method,omitempty"`
	Insight    string          `json:"insight"`            // Human-readable summary, never empty
	Confidence Confidence      `json:"parsing_confidence"` // high = structured XML, low = synthesized
}

// TestResultRecord is the canonical unit of information per test case per run.
// Invariant: Status == StatusFailed iff Failure != nil.
type TestResultRecord struct {
	ID         string         `json:"id"`   // Stable test-case identifier, unique within a run
	Name       string         `json:"name"` // Display name, may differ from ID
	Status     Status         `json:"status"`
	DurationMs int64          `json:"duration_ms"` // 0 if unknown
	Logs       string         `json:"logs,omitempty"`
	Failure    *FailureDetail `json:"failure,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Source     Source         `json:"source"`
}

// RunState is the lifecycle state of one ExecutionRequest.
// Terminal states are final; a new run requires a fresh request.
type RunState string

const (
	RunIdle      RunState = "IDLE"
	RunStarting  RunState = "STARTING"
	RunWaiting   RunState = "WAITING" // Trigger issued, no result received yet
	RunRunning   RunState = "RUNNING" // At least one result received, some pending
	RunCompleted RunState = "COMPLETED"
	RunCancelled RunState = "CANCELLED"
	RunTimedOut  RunState = "TIMED_OUT"
	RunError     RunState = "ERROR"
)

// IsTerminal reports whether the run state is final.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunTimedOut, RunError:
		return true
	}
	return false
}

// ExecutionRequest is one triggered run. Mutated only by the owning
// orchestrator; no durability requirement across process restarts.
type ExecutionRequest struct {
	RequestID       string                       `json:"request_id"`
	ExpectedTestIDs []string                     `json:"expected_test_ids"` // Immutable after registration
	ResultsByID     map[string]*TestResultRecord `json:"results_by_id"`
	State           RunState                     `json:"state"`
	Error           string                       `json:"error,omitempty"` // Run-level error message, set with RunError
	StartedAt       *time.Time                   `json:"started_at,omitempty"`
	EndedAt         *time.Time                   `json:"ended_at,omitempty"`
}

// RunSnapshot is the read-model handed to the API/UI after every merge.
type RunSnapshot struct {
	RequestID string             `json:"request_id"`
	State     RunState           `json:"state"`
	Error     string             `json:"error,omitempty"`
	Results   []TestResultRecord `json:"results"` // Ordered by expected id registration order
	Total     int                `json:"total"`
	Completed int                `json:"completed"` // Records with a terminal status
	Failed    int                `json:"failed"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

// ParsedXMLTest is the parser's transient per-testcase output. Consumed
// immediately by the normalizer and not retained.
type ParsedXMLTest struct {
	Name      string      `json:"name"`
	Classname string      `json:"classname"`
	TimeSec   float64     `json:"time"`
	Status    Status      `json:"status"`
	Failure   *RawFailure `json:"failure,omitempty"`
	SystemOut string      `json:"system_out,omitempty"`
	SystemErr string      `json:"system_err,omitempty"`
}

// RawFailure is an unclassified failure/error block straight off the wire.
type RawFailure struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
	Classname  string `json:"classname,omitempty"`
	Method     string `json:"method,omitempty"`
	FromXML    bool   `json:"-"` // Structured source, classification confidence high
}

// RawTest is a loosely-shaped result record as delivered by push payloads or
// JSON report files. Only Name is required; everything else is best-effort.
type RawTest struct {
	ID         string      `json:"id,omitempty"`
	Name       string      `json:"name"`
	Classname  string      `json:"classname,omitempty"`
	Status     string      `json:"status,omitempty"` // Raw vocabulary, normalized later
	DurationMs int64       `json:"duration_ms,omitempty"`
	Logs       string      `json:"logs,omitempty"`
	Failure    *RawFailure `json:"failure,omitempty"`
}

// PushEvent is one inbound push-channel event: a single test case result for
// a single request. RawXML, when present, is authoritative over TestCase.
type PushEvent struct {
	RequestID  string    `json:"request_id"`
	TestCaseID string    `json:"test_case_id"`
	TestCase   *RawTest  `json:"test_case,omitempty"`
	RawXML     string    `json:"raw_xml,omitempty"` // Embedded JUnit XML for this one test case
	Timestamp  time.Time `json:"timestamp"`
}

// BulkPushEvent is the legacy bulk delivery shape. It is fanned out into
// per-test-case PushEvents before processing.
type BulkPushEvent struct {
	RequestID string    `json:"request_id"`
	Results   []RawTest `json:"results"`
	Timestamp time.Time `json:"timestamp"`
}

// RawResultSource is the tagged union of shapes a batch of raw results may
// arrive in. Exactly one of Tests/Envelope/Report is non-nil; see
// normalize.BuildResultSet. Origin labels the provenance of the raw-shaped
// variants (Report records are always SourceXML).
type RawResultSource struct {
	Tests    []RawTest       // Bare array shape
	Envelope *BulkPushEvent  // {results: [...]} shape
	Report   []ParsedXMLTest // Parsed JUnit XML shape
	Origin   Source          // Provenance for Tests/Envelope; defaults to SourcePush
}
