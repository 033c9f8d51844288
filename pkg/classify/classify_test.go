package classify

import (
	"testing"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNilInput(t *testing.T) {
	detail := Classify(nil)
	require.NotNil(t, detail)
	assert.Equal(t, models.CategoryGeneral, detail.Category)
	assert.Equal(t, models.ConfidenceLow, detail.Confidence)
	assert.Equal(t, "Test execution failed", detail.Insight)
}

func TestClassifyEmptyInput(t *testing.T) {
	detail := Classify(&models.RawFailure{})
	require.NotNil(t, detail)
	assert.Equal(t, models.CategoryGeneral, detail.Category)
	assert.Equal(t, "TestFailure", detail.Type)
	assert.Equal(t, models.ConfidenceLow, detail.Confidence)
	assert.Equal(t, "Test execution failed", detail.Insight)
}

func TestCategoryFromExceptionType(t *testing.T) {
	cases := []struct {
		failureType string
		want        models.FailureCategory
	}{
		{"AssertionError", models.CategoryAssertion},
		{"org.junit.ComparisonFailure", models.CategoryAssertion},
		{"org.openqa.selenium.NoSuchElementException", models.CategoryElement},
		{"StaleElementReferenceException", models.CategoryElement},
		{"TimeoutException", models.CategoryTimeout},
		{"java.net.SocketTimeoutException", models.CategoryTimeout},
		{"WebDriverException", models.CategoryScript},
		{"requests.exceptions.ConnectionError", models.CategoryNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.failureType, func(t *testing.T) {
			detail := Classify(&models.RawFailure{Type: tc.failureType})
			assert.Equal(t, tc.want, detail.Category)
		})
	}
}

func TestCategoryFromKeywords(t *testing.T) {
	detail := Classify(&models.RawFailure{Message: "operation timed out after 30s"})
	assert.Equal(t, models.CategoryTimeout, detail.Category)

	detail = Classify(&models.RawFailure{Message: "could not resolve selector #login"})
	assert.Equal(t, models.CategoryElement, detail.Category)

	detail = Classify(&models.RawFailure{Message: "connection refused"})
	assert.Equal(t, models.CategoryNetwork, detail.Category)
}

func TestExtractLocationPython(t *testing.T) {
	detail := Classify(&models.RawFailure{
		Type:       "AssertionError",
		StackTrace: "tests/test_login.py:42: AssertionError",
	})
	require.NotNil(t, detail.Location)
	assert.Equal(t, "tests/test_login.py", detail.Location.File)
	assert.Equal(t, 42, detail.Location.Line)
}

func TestExtractLocationJavaScript(t *testing.T) {
	detail := Classify(&models.RawFailure{
		Type:       "TimeoutError",
		StackTrace: "TimeoutError: waiting for selector\n    at Object.<anonymous> (src/login.spec.js:17:5)",
	})
	require.NotNil(t, detail.Location)
	assert.Equal(t, "src/login.spec.js", detail.Location.File)
	assert.Equal(t, 17, detail.Location.Line)
}

func TestExtractLocationJava(t *testing.T) {
	detail := Classify(&models.RawFailure{
		Type:       "java.lang.AssertionError",
		StackTrace: "java.lang.AssertionError: expected:<200> but was:<401>\n\tat com.example.LoginTest.testLogin(LoginTest.java:88)",
	})
	require.NotNil(t, detail.Location)
	assert.Equal(t, "LoginTest.java", detail.Location.File)
	assert.Equal(t, 88, detail.Location.Line)
}

func TestExtractAssertionQuotedComparison(t *testing.T) {
	detail := Classify(&models.RawFailure{
		Type:       "AssertionError",
		StackTrace: "assert 'actual' == 'expected'",
	})
	require.NotNil(t, detail.Assertion)
	assert.True(t, detail.Assertion.Available)
	assert.Equal(t, "actual", detail.Assertion.Actual)
	assert.Equal(t, "==", detail.Assertion.Operator)
	assert.Equal(t, "expected", detail.Assertion.Expected)
}

func TestExtractAssertionBareComparison(t *testing.T) {
	detail := Classify(&models.RawFailure{
		Type:       "AssertionError",
		StackTrace: "assert 401 == 200",
	})
	require.NotNil(t, detail.Assertion)
	assert.Equal(t, "401", detail.Assertion.Actual)
	assert.Equal(t, "==", detail.Assertion.Operator)
	assert.Equal(t, "200", detail.Assertion.Expected)
}

func TestExtractAssertionBareAssertLine(t *testing.T) {
	detail := Classify(&models.RawFailure{
		StackTrace: "assert response.ok",
	})
	require.NotNil(t, detail.Assertion)
	assert.True(t, detail.Assertion.Available)
	assert.Equal(t, "response.ok", detail.Assertion.Expression)
	// An assertion pattern alone is enough to decide the category.
	assert.Equal(t, models.CategoryAssertion, detail.Category)
}

func TestConfidenceHighOnlyForXMLSourcedFailures(t *testing.T) {
	xmlSourced := Classify(&models.RawFailure{Type: "AssertionError", Message: "boom", FromXML: true})
	assert.Equal(t, models.ConfidenceHigh, xmlSourced.Confidence)

	pushSourced := Classify(&models.RawFailure{Type: "AssertionError", Message: "boom"})
	assert.Equal(t, models.ConfidenceLow, pushSourced.Confidence)

	xmlButEmpty := Classify(&models.RawFailure{FromXML: true})
	assert.Equal(t, models.ConfidenceLow, xmlButEmpty.Confidence)
}

func TestInsightIncludesLocation(t *testing.T) {
	detail := Classify(&models.RawFailure{
		Type:       "AssertionError",
		Message:    "assert 401 == 200",
		StackTrace: "tests/test_login.py:42: AssertionError",
	})
	assert.Equal(t, "AssertionError: assert 401 == 200 (tests/test_login.py:42)", detail.Insight)
}

func TestInsightFromTypeAlone(t *testing.T) {
	detail := Classify(&models.RawFailure{Type: "TimeoutException"})
	assert.Equal(t, "TimeoutException", detail.Insight)
}
