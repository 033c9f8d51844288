// Package github implements the ci.Provider boundary against the GitHub
// Actions REST API: workflow/repository dispatch triggers, run listing,
// status probes and artifact downloads.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
)

const (
	defaultBaseURL = "https://api.github.com"
	// A dispatch produces a run asynchronously; the listing is re-polled
	// this many times before giving up on locating it.
	locateAttempts = 10
	locateInterval = 2 * time.Second
	// Listing page size when diffing before/after snapshots.
	listingPageSize = 30
)

// Ensure Client implements the provider boundary at compile time.
var _ ci.Provider = (*Client)(nil)

// Client talks to the GitHub Actions API for one repository.
type Client struct {
	baseURL    string
	token      string
	owner      string
	repo       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a GitHub Actions client bound to one repository. An
// empty baseURL selects the public API endpoint; tests point it at a local
// stub server.
func NewClient(baseURL, token, owner, repo string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(slog.String("component", "github_client")),
	}
}

// repoPath resolves the repository coordinates, preferring explicit trigger
// input over the client's bound repository.
func (c *Client) repoPath(owner, repo string) string {
	if owner == "" || repo == "" {
		owner, repo = c.owner, c.repo
	}
	return fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
}

type workflowRun struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

type runListing struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type artifactListing struct {
	Artifacts []struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		SizeBytes int64  `json:"size_in_bytes"`
	} `json:"artifacts"`
}

// TriggerRun fires a workflow_dispatch (when a workflow id is configured) or
// a repository_dispatch event, then locates the newly created run by diffing
// run listings taken before and after the trigger.
func (c *Client) TriggerRun(ctx context.Context, in ci.TriggerInput) (*ci.TriggerOutput, error) {
	before, err := c.listRuns(ctx, in.Owner, in.Repo)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot runs before trigger: %w", err)
	}
	seen := make(map[int64]bool, len(before))
	for _, run := range before {
		seen[run.ID] = true
	}

	if err := c.dispatch(ctx, in); err != nil {
		return nil, err
	}
	c.logger.Info("Dispatch accepted, locating new run",
		slog.String("repo", in.Owner+"/"+in.Repo),
		slog.String("workflow", in.WorkflowID))

	// The run shows up asynchronously; re-poll the listing until a run id
	// appears that was absent from the before snapshot.
	for attempt := 1; attempt <= locateAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(locateInterval):
		}

		after, err := c.listRuns(ctx, in.Owner, in.Repo)
		if err != nil {
			c.logger.Warn("Run listing failed while locating new run",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}
		for _, run := range after {
			if !seen[run.ID] {
				c.logger.Info("Located triggered run", slog.Int64("run_id", run.ID))
				return &ci.TriggerOutput{RunID: run.ID, StatusURL: run.HTMLURL}, nil
			}
		}
	}
	return nil, fmt.Errorf("trigger accepted but no new run appeared after %d attempts", locateAttempts)
}

// dispatch issues the actual trigger side-effect. Both endpoints return
// 204 No Content on success.
func (c *Client) dispatch(ctx context.Context, in ci.TriggerInput) error {
	var url string
	var body map[string]any
	if in.WorkflowID != "" {
		url = fmt.Sprintf("%s/actions/workflows/%s/dispatches", c.repoPath(in.Owner, in.Repo), in.WorkflowID)
		body = map[string]any{"ref": in.Ref}
		if len(in.Payload) > 0 {
			body["inputs"] = in.Payload
		}
	} else {
		url = fmt.Sprintf("%s/dispatches", c.repoPath(in.Owner, in.Repo))
		body = map[string]any{"event_type": "quality-tracker-run"}
		if len(in.Payload) > 0 {
			body["client_payload"] = in.Payload
		}
	}

	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to dispatch trigger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) listRuns(ctx context.Context, owner, repo string) ([]workflowRun, error) {
	url := fmt.Sprintf("%s/actions/runs?per_page=%d", c.repoPath(owner, repo), listingPageSize)
	var listing runListing
	if err := c.getJSON(ctx, url, &listing); err != nil {
		return nil, err
	}
	return listing.WorkflowRuns, nil
}

// GetRunStatus probes the status of one run.
func (c *Client) GetRunStatus(ctx context.Context, runID int64) (*ci.RunStatusResult, error) {
	url := fmt.Sprintf("%s/actions/runs/%d", c.repoPath("", ""), runID)
	var run workflowRun
	if err := c.getJSON(ctx, url, &run); err != nil {
		return nil, fmt.Errorf("failed to get run status: %w", err)
	}

	status := ci.RunPending
	switch run.Status {
	case "in_progress":
		status = ci.RunInProgress
	case "completed":
		status = ci.RunCompleted
	}
	return &ci.RunStatusResult{Status: status, Conclusion: run.Conclusion}, nil
}

// ListArtifacts lists the artifacts attached to a run.
func (c *Client) ListArtifacts(ctx context.Context, runID int64) ([]ci.Artifact, error) {
	url := fmt.Sprintf("%s/actions/runs/%d/artifacts", c.repoPath("", ""), runID)
	var listing artifactListing
	if err := c.getJSON(ctx, url, &listing); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	artifacts := make([]ci.Artifact, 0, len(listing.Artifacts))
	for _, a := range listing.Artifacts {
		artifacts = append(artifacts, ci.Artifact{ID: a.ID, Name: a.Name, SizeBytes: a.SizeBytes})
	}
	return artifacts, nil
}

// DownloadArtifact fetches an artifact's zip bundle. The API answers with a
// redirect to blob storage, which the HTTP client follows transparently.
func (c *Client) DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error) {
	url := fmt.Sprintf("%s/actions/artifacts/%d/zip", c.repoPath("", ""), artifactID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download artifact %d: %w", artifactID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact body: %w", err)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body map[string]any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}
