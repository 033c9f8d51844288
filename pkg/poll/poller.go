// Package poll implements the fallback ingestion channel: when no push event
// resolves a run within the webhook timeout, the poller repeatedly asks the
// CI provider whether the run finished, then fetches its artifact bundles,
// extracts every report file inside and produces a one-shot bulk result set
// covering all expected ids.
package poll

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/junitxml"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/normalize"
)

const (
	// DefaultInterval between status probes.
	DefaultInterval = 2 * time.Second
	// DefaultMaxAttempts bounds the status probes before the run is given up.
	DefaultMaxAttempts = 150
)

// Artifact names carrying test reports, matched by substring (lowercased).
var resultArtifactTokens = []string{"test-results", "results", "junit"}

// Archiver receives raw artifact data for mirroring. Optional; failures are
// logged and never affect the run.
type Archiver interface {
	ArchiveBundle(ctx context.Context, requestID, artifactName string, data []byte) (string, error)
	ArchiveReport(ctx context.Context, requestID, fileName string, data []byte) (string, error)
}

// Outcome is the poller's terminal message to the orchestrator. Either
// Results covers every expected id, or Err explains why the poller gave up.
type Outcome struct {
	Results   map[string]*models.TestResultRecord
	Framework string
	Err       error
}

// Poller polls one CI run to completion and turns its artifacts into a
// normalized result set.
type Poller struct {
	provider    ci.Provider
	archiver    Archiver // May be nil
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// New creates a poller. Zero interval/maxAttempts select the defaults.
func New(provider ci.Provider, archiver Archiver, interval time.Duration, maxAttempts int, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Poller{
		provider:    provider,
		archiver:    archiver,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.With(slog.String("component", "poller")),
	}
}

// Run polls the CI run until it reaches a terminal status, then collects and
// normalizes its reports. Blocks until done, cancelled, or the attempt bound
// is exhausted; the caller runs it in its own goroutine.
func (p *Poller) Run(ctx context.Context, requestID string, runID int64, expectedIDs []string) Outcome {
	logger := p.logger.With(slog.String("request_id", requestID), slog.Int64("run_id", runID))

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Outcome{Err: ctx.Err()}
		case <-time.After(p.interval):
		}

		status, err := p.provider.GetRunStatus(ctx, runID)
		if err != nil {
			// Transient API failures burn an attempt but do not abort:
			// the attempt bound is the hard limit.
			logger.Warn("Run status probe failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}
		if status.Status == ci.RunCompleted {
			logger.Info("CI run completed",
				slog.Int("attempts_used", attempt),
				slog.String("conclusion", status.Conclusion))
			return p.collect(ctx, requestID, runID, expectedIDs, logger)
		}
	}
	return Outcome{Err: fmt.Errorf("run %d did not complete after %d polling attempts", runID, p.maxAttempts)}
}

// collect downloads the run's result-bearing artifacts, extracts the report
// files and builds the bulk result set. A run with zero usable artifacts
// yields NotFound records for every expected id, not an error.
func (p *Poller) collect(ctx context.Context, requestID string, runID int64, expectedIDs []string, logger *slog.Logger) Outcome {
	listed, err := p.provider.ListArtifacts(ctx, runID)
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to list artifacts for run %d: %w", runID, err)}
	}

	var xmlDocs [][]byte
	var jsonDocs [][]byte
	for _, artifact := range listed {
		if !isResultArtifact(artifact.Name) {
			continue
		}
		data, err := p.provider.DownloadArtifact(ctx, artifact.ID)
		if err != nil {
			logger.Warn("Artifact download failed, skipping",
				slog.String("artifact", artifact.Name), slog.String("error", err.Error()))
			continue
		}
		p.archiveBundle(ctx, requestID, artifact.Name, data, logger)

		xmls, jsons, err := extractReports(data)
		if err != nil {
			logger.Warn("Artifact bundle unreadable, skipping",
				slog.String("artifact", artifact.Name), slog.String("error", err.Error()))
			continue
		}
		for name, doc := range xmls {
			p.archiveReport(ctx, requestID, name, doc, logger)
			xmlDocs = append(xmlDocs, doc)
		}
		for name, doc := range jsons {
			p.archiveReport(ctx, requestID, name, doc, logger)
			jsonDocs = append(jsonDocs, doc)
		}
	}

	now := time.Now().UTC()
	switch {
	case len(xmlDocs) > 0:
		report, parseErrs := junitxml.ParseAll(xmlDocs)
		for _, perr := range parseErrs {
			// Malformed documents are dropped; ids only they covered
			// end up NotFound below.
			logger.Warn("Skipping malformed report document", slog.String("error", perr.Error()))
		}
		results := normalize.BuildResultSet(models.RawResultSource{Report: report.Tests}, expectedIDs, now)
		return Outcome{Results: results, Framework: report.Framework}
	case len(jsonDocs) > 0:
		raws := decodeJSONReports(jsonDocs, logger)
		results := normalize.BuildResultSet(models.RawResultSource{Tests: raws, Origin: models.SourceFallback}, expectedIDs, now)
		return Outcome{Results: results, Framework: "Unknown"}
	default:
		logger.Warn("No result-bearing artifacts found, resolving all ids as not found")
		results := normalize.BuildResultSet(models.RawResultSource{}, expectedIDs, now)
		return Outcome{Results: results, Framework: "Unknown"}
	}
}

func (p *Poller) archiveBundle(ctx context.Context, requestID, name string, data []byte, logger *slog.Logger) {
	if p.archiver == nil {
		return
	}
	if _, err := p.archiver.ArchiveBundle(ctx, requestID, name, data); err != nil {
		logger.Warn("Failed to mirror artifact bundle", slog.String("artifact", name), slog.String("error", err.Error()))
	}
}

func (p *Poller) archiveReport(ctx context.Context, requestID, name string, data []byte, logger *slog.Logger) {
	if p.archiver == nil {
		return
	}
	if _, err := p.archiver.ArchiveReport(ctx, requestID, name, data); err != nil {
		logger.Warn("Failed to mirror report file", slog.String("file", name), slog.String("error", err.Error()))
	}
}

func isResultArtifact(name string) bool {
	lower := strings.ToLower(name)
	for _, token := range resultArtifactTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// extractReports pulls every XML and JSON file out of a zip bundle, keyed by
// file name.
func extractReports(bundle []byte) (xmls, jsons map[string][]byte, err error) {
	reader, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open zip bundle: %w", err)
	}

	xmls = make(map[string][]byte)
	jsons = make(map[string][]byte)
	for _, file := range reader.File {
		lower := strings.ToLower(file.Name)
		isXML := strings.HasSuffix(lower, ".xml")
		isJSON := strings.HasSuffix(lower, ".json")
		if !isXML && !isJSON {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if isXML {
			xmls[file.Name] = data
		} else {
			jsons[file.Name] = data
		}
	}
	return xmls, jsons, nil
}

// decodeJSONReports accepts both raw-shape variants per document: a bare
// array of tests, or a {results: [...]} envelope.
func decodeJSONReports(docs [][]byte, logger *slog.Logger) []models.RawTest {
	var raws []models.RawTest
	for _, doc := range docs {
		var list []models.RawTest
		if err := json.Unmarshal(doc, &list); err == nil {
			raws = append(raws, list...)
			continue
		}
		var envelope models.BulkPushEvent
		if err := json.Unmarshal(doc, &envelope); err == nil && len(envelope.Results) > 0 {
			raws = append(raws, envelope.Results...)
			continue
		}
		logger.Warn("Skipping unrecognized JSON report document")
	}
	return raws
}
