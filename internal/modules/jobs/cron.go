package jobs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redmargin/quantgate/internal/apperr"
)

// cronField is one parsed field: the expanded value set plus whether the raw
// expression was a bare "*". The raw flag matters only for the day-of-month /
// day-of-week OR rule.
type cronField struct {
	values map[int]bool
	rawAny bool
}

func (f cronField) contains(v int) bool {
	return f.values[v]
}

// sortedDesc returns the field values largest-first.
func (f cronField) sortedDesc() []int {
	out := make([]int, 0, len(f.values))
	for v := range f.values {
		out = append(out, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// CronSchedule is a parsed 5-field POSIX cron expression.
type CronSchedule struct {
	Expr   string
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField
}

// ParseCron parses "minute hour dom month dow". Each field accepts "*",
// single values, "a-b" ranges, comma lists, and "/n" steps; day-of-week 7 is
// an alias for 0 (Sunday).
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return nil, apperr.Validation("cron expression %q must have 5 fields", expr)
	}
	bounds := []struct {
		name     string
		min, max int
	}{
		{"minute", 0, 59},
		{"hour", 0, 23},
		{"day-of-month", 1, 31},
		{"month", 1, 12},
		{"day-of-week", 0, 7},
	}

	parsed := make([]cronField, 5)
	for i, raw := range fields {
		field, err := parseCronField(raw, bounds[i].min, bounds[i].max)
		if err != nil {
			return nil, apperr.Validation("cron %s field %q: %v", bounds[i].name, raw, err)
		}
		parsed[i] = field
	}

	// Fold Sunday-as-7 into 0.
	if parsed[4].values[7] {
		delete(parsed[4].values, 7)
		parsed[4].values[0] = true
	}

	return &CronSchedule{
		Expr:   expr,
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
	}, nil
}

func parseCronField(raw string, min, max int) (cronField, error) {
	field := cronField{values: make(map[int]bool)}
	if raw == "*" {
		field.rawAny = true
	}
	for _, part := range strings.Split(raw, ",") {
		if part == "" {
			return cronField{}, fmt.Errorf("empty list element")
		}
		step := 1
		if idx := strings.Index(part, "/"); idx >= 0 {
			var err error
			step, err = strconv.Atoi(part[idx+1:])
			if err != nil || step <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part[idx+1:])
			}
			part = part[:idx]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err1, err2 error
			lo, err1 = strconv.Atoi(bounds[0])
			hi, err2 = strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || lo > hi {
				return cronField{}, fmt.Errorf("invalid range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = v, v
		}
		if lo < min || hi > max {
			return cronField{}, fmt.Errorf("value out of range [%d, %d]", min, max)
		}
		for v := lo; v <= hi; v += step {
			field.values[v] = true
		}
	}
	if len(field.values) == 0 {
		return cronField{}, fmt.Errorf("no values")
	}
	return field, nil
}

// Matches reports whether t (truncated to the minute) is a fire time.
func (c *CronSchedule) Matches(t time.Time) bool {
	if !c.minute.contains(t.Minute()) || !c.hour.contains(t.Hour()) || !c.month.contains(int(t.Month())) {
		return false
	}
	return c.dayMatches(t)
}

// dayMatches applies the POSIX OR rule: when both day fields are restricted,
// either one matching is enough; otherwise both must match (an unrestricted
// field matches everything).
func (c *CronSchedule) dayMatches(t time.Time) bool {
	domOK := c.dom.contains(t.Day())
	dowOK := c.dow.contains(int(t.Weekday()))
	if !c.dom.rawAny && !c.dow.rawAny {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// PrevBefore returns the latest fire time at or before t, scanning day by day
// up to lookbackDays. Returns the zero time when nothing fires in the window.
func (c *CronSchedule) PrevBefore(t time.Time, lookbackDays int) time.Time {
	if lookbackDays <= 0 {
		lookbackDays = 366
	}
	t = t.Truncate(time.Minute)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())

	for i := 0; i <= lookbackDays; i++ {
		d := day.AddDate(0, 0, -i)
		if !c.month.contains(int(d.Month())) || !c.dayMatches(d) {
			continue
		}
		for _, hour := range c.hour.sortedDesc() {
			for _, minute := range c.minute.sortedDesc() {
				candidate := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, t.Location())
				if !candidate.After(t) {
					return candidate
				}
			}
		}
	}
	return time.Time{}
}
