// Package ci defines the boundary to the external CI provider that actually
// executes the triggered test runs. The far side is out of scope; this
// package only names the operations the pipeline consumes.
package ci

import "context"

// RunStatus is the provider-side lifecycle of a triggered run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
)

// TriggerInput carries the opaque configuration handed in by the surrounding
// application: repository coordinates, git ref, workflow id, credentials and
// a free-form payload forwarded to the workflow.
type TriggerInput struct {
	Owner      string
	Repo       string
	Ref        string
	WorkflowID string         // Workflow file name or id; empty selects repository dispatch
	Payload    map[string]any // Forwarded as workflow inputs / client payload
}

// TriggerOutput identifies the run the trigger produced.
type TriggerOutput struct {
	RunID     int64
	StatusURL string
}

// RunStatusResult is one status probe of a triggered run.
type RunStatusResult struct {
	Status     RunStatus
	Conclusion string // success, failure, cancelled, ... only set when completed
}

// Artifact is one artifact attached to a completed run.
type Artifact struct {
	ID        int64
	Name      string
	SizeBytes int64
}

// Provider is the consumed CI surface: trigger a run, probe its status,
// and fetch its artifacts. All methods honor the context for cancellation.
type Provider interface {
	// TriggerRun fires the trigger side-effect and locates the run it
	// produced. The run appears asynchronously; implementations diff a
	// before/after listing snapshot to find it.
	TriggerRun(ctx context.Context, in TriggerInput) (*TriggerOutput, error)

	GetRunStatus(ctx context.Context, runID int64) (*RunStatusResult, error)

	ListArtifacts(ctx context.Context, runID int64) ([]Artifact, error)

	// DownloadArtifact returns the artifact's zip bundle bytes.
	DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error)
}
