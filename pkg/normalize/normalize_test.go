package normalize

import (
	"testing"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusVocabulary(t *testing.T) {
	cases := []struct {
		raw        string
		hasFailure bool
		want       models.Status
	}{
		{"passed", false, models.StatusPassed},
		{"PASS", false, models.StatusPassed},
		{"ok", false, models.StatusPassed},
		{"Success", false, models.StatusPassed},
		{"failed", false, models.StatusFailed},
		{"FAILURE", false, models.StatusFailed},
		{"error", false, models.StatusFailed},
		{"broken", false, models.StatusFailed},
		{"skipped", false, models.StatusSkipped},
		{"pending", false, models.StatusSkipped},
		{"running", false, models.StatusRunning},
		{"In Progress", false, models.StatusRunning},
		{"cancelled", false, models.StatusCancelled},
		{"canceled", false, models.StatusCancelled},
		{"not found", false, models.StatusNotFound},
		{"not started", false, models.StatusNotStarted},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, Status(tc.raw, tc.hasFailure))
		})
	}
}

func TestStatusUnknownDefaultsToPassed(t *testing.T) {
	// Unrecognized vocabulary with no failure indicator reads as Passed.
	assert.Equal(t, models.StatusPassed, Status("green", false))
	assert.Equal(t, models.StatusPassed, Status("", false))

	// A failure block flips the default.
	assert.Equal(t, models.StatusFailed, Status("green", true))
	assert.Equal(t, models.StatusFailed, Status("", true))
}

func TestMatchToTestIDExact(t *testing.T) {
	id, ok := MatchToTestID("TC_002", "", []string{"TC_001", "TC_002"})
	require.True(t, ok)
	assert.Equal(t, "TC_002", id)
}

func TestMatchToTestIDFuzzyContainment(t *testing.T) {
	// Requested id embedded in the raw name.
	id, ok := MatchToTestID("tests.test_login.TC_001", "", []string{"TC_001"})
	require.True(t, ok)
	assert.Equal(t, "TC_001", id)

	// Requested id embedded in the classname.
	id, ok = MatchToTestID("test_valid_login", "suites.TC_003_login", []string{"TC_003"})
	require.True(t, ok)
	assert.Equal(t, "TC_003", id)

	// Case-insensitive.
	id, ok = MatchToTestID("tc_001", "", []string{"TC_001"})
	require.True(t, ok)
	assert.Equal(t, "TC_001", id)
}

func TestMatchToTestIDPrefixRule(t *testing.T) {
	// "test_login" matches an id containing "login".
	id, ok := MatchToTestID("test_login", "", []string{"login_smoke"})
	require.True(t, ok)
	assert.Equal(t, "login_smoke", id)
}

func TestMatchToTestIDNoMatch(t *testing.T) {
	_, ok := MatchToTestID("test_checkout", "tests.checkout", []string{"TC_001"})
	assert.False(t, ok)
}

func TestFromParsedFailureAlwaysClassified(t *testing.T) {
	now := time.Now().UTC()

	// Failed with a failure block.
	rec := FromParsed("TC_002", models.ParsedXMLTest{
		Name:    "TC_002",
		Status:  models.StatusFailed,
		TimeSec: 1.5,
		Failure: &models.RawFailure{Type: "AssertionError", Message: "assert 401 == 200", FromXML: true},
	}, now)
	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, models.CategoryAssertion, rec.Failure.Category)
	assert.Equal(t, models.ConfidenceHigh, rec.Failure.Confidence)
	assert.Equal(t, int64(1500), rec.DurationMs)
	assert.Equal(t, models.SourceXML, rec.Source)

	// Failed but the report omitted the failure block: still non-nil detail.
	rec = FromParsed("TC_004", models.ParsedXMLTest{Name: "TC_004", Status: models.StatusFailed}, now)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, models.CategoryGeneral, rec.Failure.Category)

	// Passed never carries failure detail.
	rec = FromParsed("TC_001", models.ParsedXMLTest{Name: "TC_001", Status: models.StatusPassed}, now)
	assert.Nil(t, rec.Failure)
}

func TestFromParsedJoinsOutputStreams(t *testing.T) {
	rec := FromParsed("TC_001", models.ParsedXMLTest{
		Name:      "TC_001",
		Status:    models.StatusPassed,
		SystemOut: "stdout line",
		SystemErr: "stderr line",
	}, time.Now())
	assert.Equal(t, "stdout line\nstderr line", rec.Logs)
}

func TestFromRawStatusAndFailureCoupling(t *testing.T) {
	now := time.Now().UTC()

	rec := FromRaw("TC_001", models.RawTest{Name: "TC_001", Status: "failed", Failure: &models.RawFailure{Type: "TimeoutException"}}, models.SourcePush, now)
	assert.Equal(t, models.StatusFailed, rec.Status)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, models.CategoryTimeout, rec.Failure.Category)

	// Failure block with a passing-looking status stays per the vocabulary.
	rec = FromRaw("TC_002", models.RawTest{Name: "TC_002", Status: "passed", Failure: &models.RawFailure{Type: "X"}}, models.SourcePush, now)
	assert.Equal(t, models.StatusPassed, rec.Status)
	assert.Nil(t, rec.Failure)
}

func TestNotFoundRecord(t *testing.T) {
	now := time.Now().UTC()
	rec := NotFoundRecord("TC_009", now)
	assert.Equal(t, "TC_009", rec.ID)
	assert.Equal(t, models.StatusNotFound, rec.Status)
	assert.Nil(t, rec.Failure)
	assert.Equal(t, models.SourceFallback, rec.Source)
	assert.Contains(t, rec.Logs, "No result found")
}

func TestBuildResultSetFromReport(t *testing.T) {
	now := time.Now().UTC()
	expected := []string{"TC_001", "TC_002", "TC_009"}
	src := models.RawResultSource{Report: []models.ParsedXMLTest{
		{Name: "tests.test_login.TC_001", Status: models.StatusPassed},
		{Name: "TC_002", Status: models.StatusFailed, Failure: &models.RawFailure{Type: "AssertionError", FromXML: true}},
	}}

	out := BuildResultSet(src, expected, now)
	require.Len(t, out, 3)
	assert.Equal(t, models.StatusPassed, out["TC_001"].Status)
	assert.Equal(t, models.StatusFailed, out["TC_002"].Status)
	require.NotNil(t, out["TC_002"].Failure)
	// The id that never appeared resolves NotFound rather than being dropped.
	assert.Equal(t, models.StatusNotFound, out["TC_009"].Status)
	assert.Equal(t, models.SourceXML, out["TC_001"].Source)
}

func TestBuildResultSetClaimsEachRawOnce(t *testing.T) {
	now := time.Now().UTC()
	// Both ids fuzzily match the same raw test; only one may claim it.
	expected := []string{"TC_001", "TC_001_retry"}
	src := models.RawResultSource{Tests: []models.RawTest{
		{Name: "tests.TC_001", Status: "passed"},
	}}

	out := BuildResultSet(src, expected, now)
	require.Len(t, out, 2)
	assert.Equal(t, models.StatusPassed, out["TC_001"].Status)
	assert.Equal(t, models.StatusNotFound, out["TC_001_retry"].Status)
}

func TestBuildResultSetOriginOverride(t *testing.T) {
	now := time.Now().UTC()
	src := models.RawResultSource{
		Tests:  []models.RawTest{{ID: "TC_001", Status: "passed"}},
		Origin: models.SourceFallback,
	}
	out := BuildResultSet(src, []string{"TC_001"}, now)
	assert.Equal(t, models.SourceFallback, out["TC_001"].Source)

	src.Origin = ""
	out = BuildResultSet(src, []string{"TC_001"}, now)
	assert.Equal(t, models.SourcePush, out["TC_001"].Source)
}
