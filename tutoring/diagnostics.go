package tutoring

import (
	"errors"
	"fmt"

	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// DIAGNOSTICS - Records the engine could not use as stored
// =============================================================================

type DiagnosticKind string

const (
	DiagMalformedDate     DiagnosticKind = "malformed_date"
	DiagMalformedTime     DiagnosticKind = "malformed_time"
	DiagMalformedWeekday  DiagnosticKind = "malformed_weekday"
	DiagDanglingReference DiagnosticKind = "dangling_reference"
	DiagInvalidNumber     DiagnosticKind = "invalid_number"
	DiagAmbiguousMatch    DiagnosticKind = "ambiguous_match"
)

// Diagnostic describes one problem with one stored record. Skipped records
// contributed nothing to the output; the others were used with a fallback.
type Diagnostic struct {
	Kind      DiagnosticKind
	Record    string // schedule_entry, cancellation, extra, settlement, student
	RecordID  string
	StudentID StudentID
	Field     string
	Value     string
	Skipped   bool
	Message   string
}

func (d Diagnostic) String() string {
	action := "used with fallback"
	if d.Skipped {
		action = "skipped"
	}
	return fmt.Sprintf("%s %s (student %s): %s %s=%q %s", d.Record, d.RecordID, d.StudentID, d.Kind, d.Field, d.Value, action)
}

type Diagnostics []Diagnostic

func (ds *Diagnostics) add(d Diagnostic) { *ds = append(*ds, d) }

// SkippedCount returns how many records were dropped.
func (ds Diagnostics) SkippedCount() int {
	n := 0
	for _, d := range ds {
		if d.Skipped {
			n++
		}
	}
	return n
}

// ByKind counts diagnostics per kind.
func (ds Diagnostics) ByKind() map[DiagnosticKind]int {
	out := make(map[DiagnosticKind]int)
	for _, d := range ds {
		out[d.Kind]++
	}
	return out
}

// Err joins every diagnostic into one error matching generic.ErrInvalidRecord,
// or returns nil.
func (ds Diagnostics) Err() error {
	if len(ds) == 0 {
		return nil
	}
	errs := make([]error, 0, len(ds))
	for _, d := range ds {
		errs = append(errs, fmt.Errorf("%w: %s", generic.ErrInvalidRecord, d.String()))
	}
	return errors.Join(errs...)
}
