// Package junitxml parses JUnit-style XML test reports into per-test records.
// It accepts both a <testsuites> root and a bare <testsuite> root, tolerates
// nested suites, and guesses the producing framework from document hints.
package junitxml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
)

// ParseError marks a structurally malformed document. It is fatal for that
// one document only; other documents of the same run are still used.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed JUnit XML document: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Report is the parsed content of one or more XML documents belonging to a run.
type Report struct {
	Tests     []models.ParsedXMLTest
	Framework string // Framework guess, "Unknown" when undecidable
}

// Default failure types when the XML omits the type attribute.
const (
	defaultFailureType = "TestFailure"
	defaultErrorType   = "TestError"
)

// xmlSuites is the <testsuites> document root.
type xmlSuites struct {
	XMLName xml.Name   `xml:"testsuites"`
	Suites  []xmlSuite `xml:"testsuite"`
}

// xmlSuite is a single <testsuite>. Suites may nest (Maven Surefire, NUnit).
type xmlSuite struct {
	Name      string        `xml:"name,attr"`
	Generator string        `xml:"generator,attr"`
	Cases     []xmlTestCase `xml:"testcase"`
	Nested    []xmlSuite    `xml:"testsuite"`
}

type xmlTestCase struct {
	Name      string       `xml:"name,attr"`
	Classname string       `xml:"classname,attr"`
	Time      string       `xml:"time,attr"` // Seconds, float; blank or junk reads as 0
	Failure   *xmlFailure  `xml:"failure"`
	Error     *xmlFailure  `xml:"error"`
	Skipped   *struct{}    `xml:"skipped"`
	SystemOut string       `xml:"system-out"`
	SystemErr string       `xml:"system-err"`
}

type xmlFailure struct {
	Type    string `xml:"type,attr"`
	Message string `xml:"message,attr"`
	Content string `xml:",chardata"` // Stack trace / failure body
}

// frameworkTokens maps lowercase substrings to framework names.
// Checked against the first suite's name/generator attributes, then the raw
// document text. First match wins.
var frameworkTokens = []struct {
	token string
	name  string
}{
	{"pytest", "pytest"},
	{"testng", "TestNG"},
	{"nunit", "NUnit"},
	{"surefire", "Maven Surefire"},
	{"junit", "JUnit"},
}

// Parse parses one XML document. It returns a *ParseError when the document
// is not well-formed XML or has no recognizable JUnit root element.
func Parse(doc []byte) (*Report, error) {
	suites, err := decodeSuites(doc)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	report := &Report{Framework: guessFramework(suites, doc)}
	for _, s := range suites {
		collectSuite(s, report)
	}
	return report, nil
}

// ParseAll parses every document produced by one run and concatenates their
// tests. A malformed document is skipped and reported in the returned error
// slice; it never aborts the remaining documents. The framework guess comes
// from the first document that parses successfully.
func ParseAll(docs [][]byte) (*Report, []error) {
	combined := &Report{Framework: "Unknown"}
	var errs []error
	for i, doc := range docs {
		rep, err := Parse(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		if combined.Framework == "Unknown" {
			combined.Framework = rep.Framework
		}
		combined.Tests = append(combined.Tests, rep.Tests...)
	}
	return combined, errs
}

// decodeSuites handles both document roots: <testsuites> wrapping N suites,
// or a single bare <testsuite>.
func decodeSuites(doc []byte) ([]xmlSuite, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no root element found")
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "testsuites":
			var root xmlSuites
			if err := dec.DecodeElement(&root, &start); err != nil {
				return nil, err
			}
			return root.Suites, nil
		case "testsuite":
			var suite xmlSuite
			if err := dec.DecodeElement(&suite, &start); err != nil {
				return nil, err
			}
			return []xmlSuite{suite}, nil
		default:
			return nil, fmt.Errorf("unexpected root element <%s>", start.Name.Local)
		}
	}
}

// collectSuite flattens a suite (and nested suites) into the report.
func collectSuite(s xmlSuite, report *Report) {
	for _, tc := range s.Cases {
		report.Tests = append(report.Tests, convertCase(tc))
	}
	for _, nested := range s.Nested {
		collectSuite(nested, report)
	}
}

// convertCase maps one <testcase> to a ParsedXMLTest. Status priority:
// failure -> Failed, error -> Failed, skipped -> Skipped, else Passed.
func convertCase(tc xmlTestCase) models.ParsedXMLTest {
	out := models.ParsedXMLTest{
		Name:      tc.Name,
		Classname: tc.Classname,
		TimeSec:   parseSeconds(tc.Time),
		Status:    models.StatusPassed,
		SystemOut: tc.SystemOut,
		SystemErr: tc.SystemErr,
	}

	switch {
	case tc.Failure != nil:
		out.Status = models.StatusFailed
		out.Failure = convertFailure(tc.Failure, defaultFailureType, tc)
	case tc.Error != nil:
		out.Status = models.StatusFailed
		out.Failure = convertFailure(tc.Error, defaultErrorType, tc)
	case tc.Skipped != nil:
		out.Status = models.StatusSkipped
	}
	return out
}

func convertFailure(f *xmlFailure, fallbackType string, tc xmlTestCase) *models.RawFailure {
	raw := &models.RawFailure{
		Type:       strings.TrimSpace(f.Type),
		Message:    strings.TrimSpace(f.Message),
		StackTrace: strings.TrimSpace(f.Content),
		Classname:  tc.Classname,
		Method:     tc.Name,
		FromXML:    true,
	}
	if raw.Type == "" {
		raw.Type = fallbackType
	}
	// Message attribute missing: fall back to the element body.
	if raw.Message == "" {
		raw.Message = firstLine(raw.StackTrace)
	}
	return raw
}

func parseSeconds(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// guessFramework inspects the first suite's name/generator attributes, then
// the raw document text, against the known framework tokens.
func guessFramework(suites []xmlSuite, doc []byte) string {
	var hints []string
	if len(suites) > 0 {
		hints = append(hints, strings.ToLower(suites[0].Name), strings.ToLower(suites[0].Generator))
	}
	hints = append(hints, strings.ToLower(string(doc)))

	for _, ft := range frameworkTokens {
		for _, h := range hints {
			if h != "" && strings.Contains(h, ft.token) {
				return ft.name
			}
		}
	}
	return "Unknown"
}
