package poll

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/ci"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider scripts the CI surface for poller tests.
type stubProvider struct {
	statuses  []ci.RunStatusResult
	statusErr error
	calls     int

	artifacts    []ci.Artifact
	artifactData map[int64][]byte
	downloadErr  map[int64]error
}

func (s *stubProvider) TriggerRun(ctx context.Context, in ci.TriggerInput) (*ci.TriggerOutput, error) {
	return nil, errors.New("not used in poller tests")
}

func (s *stubProvider) GetRunStatus(ctx context.Context, runID int64) (*ci.RunStatusResult, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	idx := s.calls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.calls++
	st := s.statuses[idx]
	return &st, nil
}

func (s *stubProvider) ListArtifacts(ctx context.Context, runID int64) ([]ci.Artifact, error) {
	return s.artifacts, nil
}

func (s *stubProvider) DownloadArtifact(ctx context.Context, artifactID int64) ([]byte, error) {
	if err, ok := s.downloadErr[artifactID]; ok {
		return nil, err
	}
	return s.artifactData[artifactID], nil
}

func zipBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestIsResultArtifact(t *testing.T) {
	assert.True(t, isResultArtifact("test-results"))
	assert.True(t, isResultArtifact("Test-Results-chrome"))
	assert.True(t, isResultArtifact("junit-report"))
	assert.True(t, isResultArtifact("nightly-results"))
	assert.False(t, isResultArtifact("coverage"))
	assert.False(t, isResultArtifact("screenshots"))
}

func TestRunCollectsXMLReports(t *testing.T) {
	bundle := zipBundle(t, map[string]string{
		"report.xml": `<testsuite name="pytest">
  <testcase classname="tests.test_login" name="TC_001" time="0.1"/>
  <testcase classname="tests.test_login" name="TC_002" time="0.2">
    <failure type="AssertionError" message="assert 401 == 200">tests/test_login.py:42: AssertionError</failure>
  </testcase>
</testsuite>`,
		"notes.txt": "ignored",
	})
	provider := &stubProvider{
		statuses: []ci.RunStatusResult{
			{Status: ci.RunInProgress},
			{Status: ci.RunCompleted, Conclusion: "failure"},
		},
		artifacts:    []ci.Artifact{{ID: 7, Name: "test-results"}},
		artifactData: map[int64][]byte{7: bundle},
	}
	p := New(provider, nil, time.Millisecond, 10, testLogger())

	outcome := p.Run(context.Background(), "req-1", 42, []string{"TC_001", "TC_002", "TC_003"})
	require.NoError(t, outcome.Err)
	assert.Equal(t, "pytest", outcome.Framework)
	require.Len(t, outcome.Results, 3)
	assert.Equal(t, models.StatusPassed, outcome.Results["TC_001"].Status)
	assert.Equal(t, models.StatusFailed, outcome.Results["TC_002"].Status)
	require.NotNil(t, outcome.Results["TC_002"].Failure)
	assert.Equal(t, models.StatusNotFound, outcome.Results["TC_003"].Status)
	assert.Equal(t, models.SourceXML, outcome.Results["TC_001"].Source)
}

func TestRunCollectsJSONReports(t *testing.T) {
	bundle := zipBundle(t, map[string]string{
		"results.json": `[{"id":"TC_001","status":"passed"},{"id":"TC_002","status":"failed","failure":{"type":"TimeoutException"}}]`,
	})
	provider := &stubProvider{
		statuses:     []ci.RunStatusResult{{Status: ci.RunCompleted, Conclusion: "success"}},
		artifacts:    []ci.Artifact{{ID: 1, Name: "results"}},
		artifactData: map[int64][]byte{1: bundle},
	}
	p := New(provider, nil, time.Millisecond, 10, testLogger())

	outcome := p.Run(context.Background(), "req-1", 42, []string{"TC_001", "TC_002"})
	require.NoError(t, outcome.Err)
	assert.Equal(t, models.StatusPassed, outcome.Results["TC_001"].Status)
	assert.Equal(t, models.StatusFailed, outcome.Results["TC_002"].Status)
	// Poll-derived JSON results carry fallback provenance, not push.
	assert.Equal(t, models.SourceFallback, outcome.Results["TC_001"].Source)
}

func TestRunZeroArtifactsResolvesNotFound(t *testing.T) {
	provider := &stubProvider{
		statuses: []ci.RunStatusResult{{Status: ci.RunCompleted, Conclusion: "success"}},
	}
	p := New(provider, nil, time.Millisecond, 10, testLogger())

	outcome := p.Run(context.Background(), "req-1", 42, []string{"TC_001", "TC_002"})
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Results, 2)
	for _, rec := range outcome.Results {
		assert.Equal(t, models.StatusNotFound, rec.Status)
	}
}

func TestRunSkipsUndownloadableArtifacts(t *testing.T) {
	bundle := zipBundle(t, map[string]string{
		"report.xml": `<testsuite name="s"><testcase classname="a" name="TC_001"/></testsuite>`,
	})
	provider := &stubProvider{
		statuses: []ci.RunStatusResult{{Status: ci.RunCompleted}},
		artifacts: []ci.Artifact{
			{ID: 1, Name: "test-results-broken"},
			{ID: 2, Name: "test-results-good"},
		},
		artifactData: map[int64][]byte{2: bundle},
		downloadErr:  map[int64]error{1: errors.New("410 gone")},
	}
	p := New(provider, nil, time.Millisecond, 10, testLogger())

	outcome := p.Run(context.Background(), "req-1", 42, []string{"TC_001"})
	require.NoError(t, outcome.Err)
	assert.Equal(t, models.StatusPassed, outcome.Results["TC_001"].Status)
}

func TestRunAttemptExhaustion(t *testing.T) {
	provider := &stubProvider{
		statuses: []ci.RunStatusResult{{Status: ci.RunInProgress}},
	}
	p := New(provider, nil, time.Millisecond, 3, testLogger())

	outcome := p.Run(context.Background(), "req-1", 42, []string{"TC_001"})
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "did not complete after 3 polling attempts")
	assert.Equal(t, 3, provider.calls)
}

func TestRunStatusErrorsBurnAttempts(t *testing.T) {
	provider := &stubProvider{statusErr: errors.New("503 unavailable")}
	p := New(provider, nil, time.Millisecond, 2, testLogger())

	outcome := p.Run(context.Background(), "req-1", 42, []string{"TC_001"})
	require.Error(t, outcome.Err)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	provider := &stubProvider{statuses: []ci.RunStatusResult{{Status: ci.RunInProgress}}}
	p := New(provider, nil, time.Hour, 10, testLogger())

	outcome := p.Run(ctx, "req-1", 42, []string{"TC_001"})
	assert.ErrorIs(t, outcome.Err, context.Canceled)
}

func TestExtractReportsRejectsNonZip(t *testing.T) {
	_, _, err := extractReports([]byte("not a zip"))
	require.Error(t, err)
}
