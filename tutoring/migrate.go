package tutoring

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/lesson-engine/generic"
)

// =============================================================================
// LEGACY MIGRATION - Flat semicolon lists to ScheduleEntries
// =============================================================================

// MigrateLegacySchedule converts a student's flat schedule fields into
// entries. The three lists are matched by position; when the time or
// duration list is shorter than the weekday list the last value given is
// repeated, and a missing duration defaults to one hour. Every entry is
// valid for the student's enrollment window. Entries come back without ids.
func MigrateLegacySchedule(st Student) ([]ScheduleEntry, error) {
	weekdays := splitLegacy(st.LegacyWeekdays)
	if len(weekdays) == 0 {
		return nil, nil
	}
	times := splitLegacy(st.LegacyTimes)
	if len(times) == 0 {
		return nil, generic.InvalidField("student", "legacy_times", st.LegacyTimes, "no time given")
	}
	durations := splitLegacy(st.LegacyDurations)

	if _, err := generic.ParsePeriod(st.EnrollmentStart, st.EnrollmentEnd); err != nil {
		return nil, generic.InvalidField("student", "enrollment", st.EnrollmentStart+".."+st.EnrollmentEnd, err.Error())
	}

	entries := make([]ScheduleEntry, 0, len(weekdays))
	for i, day := range weekdays {
		wd, err := ParseWeekday(day)
		if err != nil {
			return nil, generic.InvalidField("student", "legacy_weekdays", day, err.Error())
		}

		rawTime := positional(times, i)
		clock, err := ParseClock(rawTime)
		if err != nil {
			return nil, generic.InvalidField("student", "legacy_times", rawTime, err.Error())
		}

		duration := DefaultDuration
		if raw := positional(durations, i); raw != "" {
			d, err := decimal.NewFromString(strings.Replace(raw, ",", ".", 1))
			if err != nil || !d.IsPositive() {
				return nil, generic.InvalidField("student", "legacy_durations", raw, "expected positive hours")
			}
			duration = d
		}

		entries = append(entries, ScheduleEntry{
			StudentID: st.ID,
			Weekday:   wd.String(),
			Time:      clock.String(),
			Duration:  duration,
			ValidFrom: st.EnrollmentStart,
			ValidTo:   st.EnrollmentEnd,
			Seq:       int64(i),
		})
	}
	return entries, nil
}

// HasLegacySchedule reports whether the flat fields hold anything to migrate.
func HasLegacySchedule(st Student) bool {
	return len(splitLegacy(st.LegacyWeekdays)) > 0
}

func splitLegacy(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// positional returns values[i], or the last value when the list is shorter.
func positional(values []string, i int) string {
	if len(values) == 0 {
		return ""
	}
	if i < len(values) {
		return values[i]
	}
	return values[len(values)-1]
}

// LegacyFields renders entries back into the flat representation.
func LegacyFields(entries []ScheduleEntry) (weekdays, times, durations string) {
	var w, t, d []string
	for _, e := range entries {
		w = append(w, e.Weekday)
		t = append(t, e.Time)
		d = append(d, e.Duration.StringFixed(1))
	}
	return strings.Join(w, ";"), strings.Join(t, ";"), strings.Join(d, ";")
}

func (e ScheduleEntry) String() string {
	return fmt.Sprintf("%s %s %sh [%s..%s]", e.Weekday, e.Time, e.Duration.String(), e.ValidFrom, e.ValidTo)
}
