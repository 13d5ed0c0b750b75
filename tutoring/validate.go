package tutoring

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// WRITE-TIME VALIDATION
// =============================================================================
// Reads tolerate malformed stored values and report them as diagnostics.
// Writes through Service are rejected instead, and stored in canonical form
// (YYYY-MM-DD dates, HH:MM times, English weekday names).

func normalizeDate(record, field, s string) (string, error) {
	d, err := generic.ParseDate(s)
	if err != nil {
		return "", generic.InvalidField(record, field, s, "expected YYYY-MM-DD")
	}
	return d.String(), nil
}

func normalizeClock(record, field, s string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return "", generic.InvalidField(record, field, s, "expected HH:MM")
	}
	return t.Format("15:04"), nil
}

func normalizeStudent(st Student) (Student, error) {
	st.Name = strings.TrimSpace(st.Name)
	if st.Name == "" {
		return st, generic.InvalidField("student", "name", "", "required")
	}
	if st.HourlyRate.IsNegative() {
		return st, generic.InvalidField("student", "hourly_rate", st.HourlyRate.String(), "must not be negative")
	}
	if st.TravelSurcharge.IsNegative() {
		return st, generic.InvalidField("student", "travel_surcharge", st.TravelSurcharge.String(), "must not be negative")
	}
	if st.BillingMode == "" {
		st.BillingMode = BillingPerSession
	}
	if !st.BillingMode.Valid() {
		return st, generic.InvalidField("student", "billing_mode", string(st.BillingMode), "unknown billing mode")
	}
	var err error
	if st.EnrollmentStart, err = normalizeDate("student", "enrollment_start", st.EnrollmentStart); err != nil {
		return st, err
	}
	if st.EnrollmentEnd, err = normalizeDate("student", "enrollment_end", st.EnrollmentEnd); err != nil {
		return st, err
	}
	if st.EnrollmentEnd < st.EnrollmentStart {
		return st, generic.InvalidField("student", "enrollment_end", st.EnrollmentEnd, "before enrollment_start")
	}
	return st, nil
}

func normalizeEntry(e ScheduleEntry) (ScheduleEntry, error) {
	wd, err := ParseWeekday(e.Weekday)
	if err != nil {
		return e, generic.InvalidField("schedule_entry", "weekday", e.Weekday, "unknown weekday")
	}
	e.Weekday = wd.String()
	if e.Time, err = normalizeClock("schedule_entry", "time", e.Time); err != nil {
		return e, err
	}
	if !e.Duration.IsPositive() {
		return e, generic.InvalidField("schedule_entry", "duration", e.Duration.String(), "must be positive")
	}
	if e.ValidFrom, err = normalizeDate("schedule_entry", "valid_from", e.ValidFrom); err != nil {
		return e, err
	}
	if e.ValidTo, err = normalizeDate("schedule_entry", "valid_to", e.ValidTo); err != nil {
		return e, err
	}
	if e.ValidTo < e.ValidFrom {
		return e, generic.InvalidField("schedule_entry", "valid_to", e.ValidTo, "before valid_from")
	}
	if e.Rate.IsNegative() {
		return e, generic.InvalidField("schedule_entry", "rate", e.Rate.String(), "must not be negative")
	}
	return e, nil
}

func normalizeExtra(x Extra) (Extra, error) {
	var err error
	if x.Date, err = normalizeDate("extra", "date", x.Date); err != nil {
		return x, err
	}
	if x.Time, err = normalizeClock("extra", "time", x.Time); err != nil {
		return x, err
	}
	if x.Duration.IsZero() {
		x.Duration = DefaultDuration
	}
	if !x.Duration.IsPositive() {
		return x, generic.InvalidField("extra", "duration", x.Duration.String(), "must be positive")
	}
	if x.Amount.IsNegative() {
		return x, generic.InvalidField("extra", "amount", x.Amount.String(), "must not be negative")
	}
	if x.Type != "" && !x.Type.Valid() {
		return x, generic.InvalidField("extra", "type", string(x.Type), "unknown extra type")
	}
	if x.Status == "" {
		x.Status = StatusPlanned
	}
	if x.Status != StatusPlanned && x.Status != StatusFulfilled {
		return x, generic.InvalidField("extra", "status", string(x.Status), "unknown status")
	}
	return x, nil
}

func positiveOr(d, fallback decimal.Decimal) decimal.Decimal {
	if d.IsPositive() {
		return d
	}
	return fallback
}
