package ingest

import (
	"errors"
	"fmt"
)

// ErrInvalidStation is returned for station ids that cannot name a table.
var ErrInvalidStation = errors.New("invalid station id")

// Severity says how far an ingest failure got. Failures that are only logged
// (schema creation and reconciliation) never surface as an Error.
type Severity int

const (
	// Fatal failures stop the request before a row is attempted.
	Fatal Severity = iota + 1
	// Reported failures happen at the insert; the statement is attached.
	Reported
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case Reported:
		return "reported"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Error is the structured failure returned by Ingest.
type Error struct {
	Severity  Severity
	Op        string
	Statement string
	Err       error
}

func (e *Error) Error() string {
	if e.Statement != "" {
		return fmt.Sprintf("%s %s: %v (statement: %s)", e.Severity, e.Op, e.Err, e.Statement)
	}
	return fmt.Sprintf("%s %s: %v", e.Severity, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SeverityOf returns the severity of an ingest error, or 0 if err is not one.
func SeverityOf(err error) Severity {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Severity
	}
	return 0
}
