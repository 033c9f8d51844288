// Package classify derives a stable failure category, source location and
// assertion detail from raw failure blocks. All heuristics are best-effort:
// Classify never fails and always produces a human-readable insight, even
// with zero structured input.
package classify

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// fallbackInsight is returned when nothing useful could be extracted.
const fallbackInsight = "Test execution failed"

// exceptionCategories maps known exception/assertion class names to a
// category. Matched by substring against the raw failure type, in order;
// first match wins.
var exceptionCategories = []struct {
	token    string
	category models.FailureCategory
}{
	{"AssertionFailedError", models.CategoryAssertion},
	{"AssertionError", models.CategoryAssertion},
	{"ComparisonFailure", models.CategoryAssertion},
	{"ExpectException", models.CategoryAssertion},
	{"ElementNotInteractableException", models.CategoryElement},
	{"NoSuchElementException", models.CategoryElement},
	{"StaleElementReferenceException", models.CategoryElement},
	{"ElementClickInterceptedException", models.CategoryElement},
	{"TimeoutException", models.CategoryTimeout},
	{"TimeoutError", models.CategoryTimeout},
	{"SocketTimeoutException", models.CategoryTimeout},
	{"SessionNotCreatedException", models.CategoryScript},
	{"WebDriverException", models.CategoryScript},
	{"ConnectException", models.CategoryNetwork},
	{"ConnectionError", models.CategoryNetwork},
}

// locationPatterns extract a file/line location from a stack trace.
// One entry per framework dialect; checked in order, first match wins.
// New dialects are added here without touching the caller.
var locationPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	file    int // Submatch index of the file
	line    int // Submatch index of the line number
}{
	// Python traceback: "tests/test_login.py:42: AssertionError"
	{"python", regexp.MustCompile(`(?m)^\s*([\w./\\-]+\.py):(\d+):`), 1, 2},
	// JS/TS: "at Object.<anonymous> (src/login.spec.js:17:5)"
	{"javascript", regexp.MustCompile(`at .*\(([\w./\\-]+\.[cm]?[jt]sx?):(\d+):\d+\)`), 1, 2},
	// Java: "at com.example.LoginTest.testLogin(LoginTest.java:88)"
	{"java", regexp.MustCompile(`at [\w.$]+\(([\w$-]+\.java):(\d+)\)`), 1, 2},
}

// Assertion expression patterns, checked in order against the stack trace.
var (
	// Quoted-string comparison: 'actual' == 'expected' (or double quotes).
	quotedCompareRe = regexp.MustCompile(`(['"])((?:[^'"\\]|\\.)*)['"]\s*(==|!=)\s*(['"])((?:[^'"\\]|\\.)*)['"]`)
	// Bare comparison between simple operands: left == right, 3 < 5, x.y != z.
	bareCompareRe = regexp.MustCompile(`(?m)([\w.\[\]()'"-]+)\s*(==|!=|<=|>=|<|>)\s*([\w.\[\]()'"-]+)`)
	// Bare assert line: "assert response.ok" (no comparison operator).
	assertLineRe = regexp.MustCompile(`(?m)^\s*assert\s+(.+?)\s*$`)
)

// Keyword fallbacks, checked against type+message when no exception name or
// assertion pattern yielded a category.
var keywordCategories = []struct {
	token    string
	category models.FailureCategory
}{
	{"timeout", models.CategoryTimeout},
	{"timed out", models.CategoryTimeout},
	{"element", models.CategoryElement},
	{"selector", models.CategoryElement},
	{"network", models.CategoryNetwork},
	{"connection", models.CategoryNetwork},
	{"api", models.CategoryNetwork},
}

// Classify turns a raw failure block into a FailureDetail. It never returns
// nil and never panics; a nil or empty input yields a low-confidence
// general-category placeholder.
func Classify(raw *models.RawFailure) *models.FailureDetail {
	if raw == nil {
		return &models.FailureDetail{
			Type:       defaultFailureType(nil),
			Category:   models.CategoryGeneral,
			Message:    fallbackInsight,
			Insight:    fallbackInsight,
			Confidence: models.ConfidenceLow,
		}
	}

	detail := &models.FailureDetail{
		Type:       defaultFailureType(raw),
		Message:    raw.Message,
		StackTrace: raw.StackTrace,
		Classname:  raw.Classname,
		Method:     raw.Method,
		Confidence: models.ConfidenceLow,
	}
	if raw.FromXML && (raw.Type != "" || raw.Message != "") {
		detail.Confidence = models.ConfidenceHigh
	}

	// 1. Known exception class name.
	detail.Category = categoryFromType(raw.Type)

	// 2. Source location from the stack trace.
	detail.Location = extractLocation(raw.StackTrace)

	// 3. Assertion expression from the stack trace.
	detail.Assertion = extractAssertion(raw.StackTrace)

	// 4. Keyword fallback when neither the type nor an assertion decided it.
	if detail.Category == "" {
		if detail.Assertion != nil {
			detail.Category = models.CategoryAssertion
		} else {
			detail.Category = categoryFromKeywords(raw.Type + " " + raw.Message)
		}
	}
	if detail.Category == "" {
		detail.Category = models.CategoryGeneral
	}

	detail.Insight = buildInsight(detail)
	return detail
}

func defaultFailureType(raw *models.RawFailure) string {
	if raw != nil && raw.Type != "" {
		return raw.Type
	}
	return "TestFailure"
}

func categoryFromType(failureType string) models.FailureCategory {
	if failureType == "" {
		return ""
	}
	for _, ec := range exceptionCategories {
		if strings.Contains(failureType, ec.token) {
			return ec.category
		}
	}
	return ""
}

func categoryFromKeywords(text string) models.FailureCategory {
	lower := strings.ToLower(text)
	for _, kc := range keywordCategories {
		if strings.Contains(lower, kc.token) {
			return kc.category
		}
	}
	return ""
}

func extractLocation(stackTrace string) *models.SourceLocation {
	if stackTrace == "" {
		return nil
	}
	for _, lp := range locationPatterns {
		m := lp.pattern.FindStringSubmatch(stackTrace)
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[lp.line])
		if err != nil {
			continue
		}
		return &models.SourceLocation{File: m[lp.file], Line: line}
	}
	return nil
}

func extractAssertion(stackTrace string) *models.AssertionInfo {
	if stackTrace == "" {
		return nil
	}

	if m := quotedCompareRe.FindStringSubmatch(stackTrace); m != nil {
		return &models.AssertionInfo{
			Available: true,
			Actual:    m[2],
			Operator:  m[3],
			Expected:  m[5],
		}
	}
	if m := bareCompareRe.FindStringSubmatch(stackTrace); m != nil {
		return &models.AssertionInfo{
			Available: true,
			Actual:    m[1],
			Operator:  m[2],
			Expected:  m[3],
		}
	}
	if m := assertLineRe.FindStringSubmatch(stackTrace); m != nil {
		return &models.AssertionInfo{
			Available:  true,
			Expression: strings.TrimSpace(m[1]),
		}
	}
	return nil
}

// buildInsight produces a one-line human-readable summary from whatever was
// extracted. Always non-empty.
func buildInsight(d *models.FailureDetail) string {
	var b strings.Builder
	if d.Message != "" {
		b.WriteString(fmt.Sprintf("%s: %s", d.Type, firstLine(d.Message)))
	} else if d.Assertion != nil && d.Assertion.Available {
		if d.Assertion.Operator != "" {
			b.WriteString(fmt.Sprintf("Assertion failed: %s %s %s", d.Assertion.Actual, d.Assertion.Operator, d.Assertion.Expected))
		} else {
			b.WriteString(fmt.Sprintf("Assertion failed: %s", d.Assertion.Expression))
		}
	} else if d.Type != "TestFailure" {
		b.WriteString(d.Type)
	}

	if b.Len() == 0 {
		return fallbackInsight
	}
	if d.Location != nil {
		b.WriteString(fmt.Sprintf(" (%s:%d)", d.Location.File, d.Location.Line))
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
