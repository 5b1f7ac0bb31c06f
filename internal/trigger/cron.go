package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed 5-field cron expression: minute, hour,
// day-of-month, month, day-of-week. No third-party cron library appears
// anywhere in the retrieved example pack, so this matcher is hand-written
// against the standard library, covering the field syntaxes timer triggers
// actually need: "*", "N", "N-M", "N,M,...", "*/N".
type cronSchedule struct {
	minute     fieldMatcher
	hour       fieldMatcher
	dayOfMonth fieldMatcher
	month      fieldMatcher
	dayOfWeek  fieldMatcher
}

type fieldMatcher func(v int) bool

// ParseCron parses a 5-field cron expression.
func ParseCron(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("trigger: cron expression %q must have 5 fields, got %d", expr, len(fields))
	}
	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("trigger: minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("trigger: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("trigger: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("trigger: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("trigger: day-of-week field: %w", err)
	}
	return &cronSchedule{minute: minute, hour: hour, dayOfMonth: dom, month: month, dayOfWeek: dow}, nil
}

// Matches reports whether t falls on this schedule, to minute resolution.
func (c *cronSchedule) Matches(t time.Time) bool {
	return c.minute(t.Minute()) &&
		c.hour(t.Hour()) &&
		c.dayOfMonth(t.Day()) &&
		c.month(int(t.Month())) &&
		c.dayOfWeek(int(t.Weekday()))
}

func parseField(raw string, min, max int) (fieldMatcher, error) {
	if raw == "*" {
		return func(int) bool { return true }, nil
	}

	if strings.HasPrefix(raw, "*/") {
		step, err := strconv.Atoi(raw[2:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", raw)
		}
		return func(v int) bool { return (v-min)%step == 0 }, nil
	}

	if strings.Contains(raw, ",") {
		var matchers []fieldMatcher
		for _, part := range strings.Split(raw, ",") {
			m, err := parseField(part, min, max)
			if err != nil {
				return nil, err
			}
			matchers = append(matchers, m)
		}
		return func(v int) bool {
			for _, m := range matchers {
				if m(v) {
					return true
				}
			}
			return false
		}, nil
	}

	if strings.Contains(raw, "-") {
		parts := strings.SplitN(raw, "-", 2)
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo > hi {
			return nil, fmt.Errorf("invalid range %q", raw)
		}
		return func(v int) bool { return v >= lo && v <= hi }, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return nil, fmt.Errorf("invalid value %q (must be %d-%d)", raw, min, max)
	}
	return func(v int) bool { return v == n }, nil
}
