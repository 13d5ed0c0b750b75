package tutoring

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a time of day with minute resolution.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock reads "HH:MM", "HH:MM:SS" or "HH". The hour must be valid; a
// minute component that cannot be read is treated as 00.
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ClockTime{}, fmt.Errorf("empty time")
	}
	parts := strings.Split(s, ":")
	hour, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("unrecognised time %q", s)
	}
	ct := ClockTime{Hour: hour}
	if len(parts) > 1 {
		if m, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && m >= 0 && m < 60 {
			ct.Minute = m
		}
	}
	return ct, nil
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) Before(o ClockTime) bool { return c.Minutes() < o.Minutes() }

func (c ClockTime) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// =============================================================================
// WEEKDAYS
// =============================================================================

var weekdayNames = map[string]time.Weekday{
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
	"sunday": time.Sunday, "sun": time.Sunday,

	// Legacy records were entered with Polish day names.
	"poniedziałek": time.Monday, "poniedzialek": time.Monday,
	"wtorek": time.Tuesday,
	"środa": time.Wednesday, "sroda": time.Wednesday,
	"czwartek": time.Thursday,
	"piątek": time.Friday, "piatek": time.Friday,
	"sobota": time.Saturday,
	"niedziela": time.Sunday,
}

// ParseWeekday accepts English names (full or three-letter) and the Polish
// names used by legacy records, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	if wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return wd, nil
	}
	return time.Sunday, fmt.Errorf("unrecognised weekday %q", s)
}
