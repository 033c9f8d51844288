// Package normalize maps heterogeneous raw result shapes and status
// vocabularies into canonical TestResultRecords, and matches raw test
// records to requested test-case identifiers.
package normalize

import (
	"strings"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/classify"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// statusVocabulary maps lowercase substrings to canonical statuses.
// Checked in order; first match wins. Multi-word entries come first so that
// e.g. "not found" is not swallowed by a shorter token.
var statusVocabulary = []struct {
	token  string
	status models.Status
}{
	{"not found", models.StatusNotFound},
	{"not started", models.StatusNotStarted},
	{"cancelled", models.StatusCancelled},
	{"canceled", models.StatusCancelled},
	{"running", models.StatusRunning},
	{"in progress", models.StatusRunning},
	{"skip", models.StatusSkipped},
	{"pending", models.StatusSkipped},
	{"fail", models.StatusFailed},
	{"error", models.StatusFailed},
	{"broken", models.StatusFailed},
	{"pass", models.StatusPassed},
	{"ok", models.StatusPassed},
	{"success", models.StatusPassed},
}

// Status normalizes a raw status string. When no known token decodes and no
// failure indicator is present the result is Passed: absence of a failure
// signal is treated as success. That optimism is deliberate and covered by
// tests; do not change it casually.
func Status(raw string, hasFailure bool) models.Status {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower != "" {
		for _, sv := range statusVocabulary {
			if strings.Contains(lower, sv.token) {
				return sv.status
			}
		}
	}
	if hasFailure {
		return models.StatusFailed
	}
	return models.StatusPassed
}

// MatchToTestID matches a raw test record to one of the requested ids.
// Exact name equality first, then fuzzy containment between the id and the
// raw name/classname, then the conventional test_ prefix rule. Returns
// ("", false) when nothing matches.
func MatchToTestID(rawName, rawClassname string, requestedIDs []string) (string, bool) {
	for _, id := range requestedIDs {
		if rawName == id {
			return id, true
		}
	}

	lowerName := strings.ToLower(rawName)
	lowerClass := strings.ToLower(rawClassname)
	for _, id := range requestedIDs {
		lowerID := strings.ToLower(id)
		if lowerID == "" {
			continue
		}
		if strings.Contains(lowerName, lowerID) || strings.Contains(lowerClass, lowerID) {
			return id, true
		}
		if lowerName != "" && strings.Contains(lowerID, lowerName) {
			return id, true
		}
		// Conventional prefix: raw "test_login" should match an id
		// containing "login".
		if trimmed := strings.TrimPrefix(lowerName, "test_"); trimmed != lowerName && trimmed != "" {
			if strings.Contains(lowerID, trimmed) {
				return id, true
			}
		}
	}
	return "", false
}

// FromParsed builds a canonical record from one XML-parsed test, keyed to the
// given id. A Failed status always carries a non-nil FailureDetail, even when
// the report omitted the failure block.
func FromParsed(id string, pt models.ParsedXMLTest, receivedAt time.Time) *models.TestResultRecord {
	rec := &models.TestResultRecord{
		ID:         id,
		Name:       pt.Name,
		Status:     pt.Status,
		DurationMs: int64(pt.TimeSec * 1000),
		Logs:       joinLogs(pt.SystemOut, pt.SystemErr),
		ReceivedAt: receivedAt,
		Source:     models.SourceXML,
	}
	if rec.Name == "" {
		rec.Name = id
	}
	if rec.Status == models.StatusFailed {
		rec.Failure = classify.Classify(pt.Failure)
	}
	return rec
}

// FromRaw builds a canonical record from a loosely-shaped raw test.
func FromRaw(id string, rt models.RawTest, source models.Source, receivedAt time.Time) *models.TestResultRecord {
	rec := &models.TestResultRecord{
		ID:         id,
		Name:       rt.Name,
		Status:     Status(rt.Status, rt.Failure != nil),
		DurationMs: rt.DurationMs,
		Logs:       rt.Logs,
		ReceivedAt: receivedAt,
		Source:     source,
	}
	if rec.Name == "" {
		rec.Name = id
	}
	if rec.Status == models.StatusFailed {
		rec.Failure = classify.Classify(rt.Failure)
	}
	return rec
}

// NotFoundRecord synthesizes the terminal record for an id that never
// appeared in any report. Requested-but-missing ids are never dropped.
func NotFoundRecord(id string, receivedAt time.Time) *models.TestResultRecord {
	return &models.TestResultRecord{
		ID:         id,
		Name:       id,
		Status:     models.StatusNotFound,
		Logs:       "No result found for this test case in the run output",
		ReceivedAt: receivedAt,
		Source:     models.SourceFallback,
	}
}

// BuildResultSet normalizes a batch of raw results (any union variant)
// against the expected id set. Every expected id gets exactly one record;
// ids with no matching raw test become NotFound. Each raw test is claimed by
// at most one id.
func BuildResultSet(src models.RawResultSource, expectedIDs []string, receivedAt time.Time) map[string]*models.TestResultRecord {
	out := make(map[string]*models.TestResultRecord, len(expectedIDs))

	switch {
	case src.Report != nil:
		claimed := make([]bool, len(src.Report))
		for _, id := range expectedIDs {
			for i, pt := range src.Report {
				if claimed[i] {
					continue
				}
				if matched, ok := MatchToTestID(pt.Name, pt.Classname, []string{id}); ok && matched == id {
					out[id] = FromParsed(id, pt, receivedAt)
					claimed[i] = true
					break
				}
			}
		}
	case src.Envelope != nil:
		fillFromRaw(out, src.Envelope.Results, expectedIDs, originOf(src), receivedAt)
	case src.Tests != nil:
		fillFromRaw(out, src.Tests, expectedIDs, originOf(src), receivedAt)
	}

	for _, id := range expectedIDs {
		if _, ok := out[id]; !ok {
			out[id] = NotFoundRecord(id, receivedAt)
		}
	}
	return out
}

func originOf(src models.RawResultSource) models.Source {
	if src.Origin != "" {
		return src.Origin
	}
	return models.SourcePush
}

func fillFromRaw(out map[string]*models.TestResultRecord, raws []models.RawTest, expectedIDs []string, origin models.Source, receivedAt time.Time) {
	claimed := make([]bool, len(raws))
	for _, id := range expectedIDs {
		for i, rt := range raws {
			if claimed[i] {
				continue
			}
			// An explicit id on the raw record short-circuits matching.
			if rt.ID == id {
				out[id] = FromRaw(id, rt, origin, receivedAt)
				claimed[i] = true
				break
			}
			if matched, ok := MatchToTestID(rt.Name, rt.Classname, []string{id}); ok && matched == id {
				out[id] = FromRaw(id, rt, origin, receivedAt)
				claimed[i] = true
				break
			}
		}
	}
}

func joinLogs(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	return strings.Join(kept, "\n")
}
