package normalize

import (
	"fmt"
	"strings"
)

// UnresolvableSchemaError indicates that no candidate in a column
// preference list was present in a raw batch's schema. The whole record
// set is rejected; the enclosing stage aborts. Not retryable.
type UnresolvableSchemaError struct {
	Source     string
	Attribute  string
	Candidates []string
}

func (e *UnresolvableSchemaError) Error() string {
	return fmt.Sprintf("source %q: no column for attribute %q (tried %s)",
		e.Source, e.Attribute, strings.Join(e.Candidates, ", "))
}

func (e *UnresolvableSchemaError) Permanent() bool { return true }

// TimeParseError indicates an hour or timestamp token that does not
// match the accepted grammar. Not retryable.
type TimeParseError struct {
	Source string
	Value  string
}

func (e *TimeParseError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("unparseable hour token %q", e.Value)
	}
	return fmt.Sprintf("source %q: unparseable hour token %q", e.Source, e.Value)
}

func (e *TimeParseError) Permanent() bool { return true }

// TransformError indicates a schema referenced an unknown metric
// transform. A configuration defect; not retryable.
type TransformError struct {
	Source    string
	Metric    string
	Transform string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("source %q: metric %q references unknown transform %q",
		e.Source, e.Metric, e.Transform)
}

func (e *TransformError) Permanent() bool { return true }
