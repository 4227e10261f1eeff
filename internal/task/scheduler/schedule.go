package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// 5-field or 6-field (leading seconds) expressions, plus descriptors such as
// "@hourly" and "@every 30s".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a parsed job trigger.
type Schedule struct {
	spec string
	// Every is the fixed period of interval schedules, zero for calendar ones.
	Every time.Duration
	cron  cron.Schedule
}

// String returns the normalized spec ("@every 30s" for bare durations).
func (s Schedule) String() string { return s.spec }

// Next returns the first trigger after t.
func (s Schedule) Next(t time.Time) time.Time { return s.cron.Next(t) }

// ParseSchedule accepts a cron expression or a bare Go duration such as
// "30s", which means a fixed interval.
func ParseSchedule(raw string) (Schedule, error) {
	spec := strings.TrimSpace(raw)
	if spec == "" {
		return Schedule{}, errors.New("schedule required")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval %q must be positive", raw)
		}
		spec = "@every " + d.String()
	}
	cs, err := parser.Parse(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	out := Schedule{spec: spec, cron: cs}
	if c, ok := cs.(cron.ConstantDelaySchedule); ok {
		out.Every = c.Delay
	}
	return out, nil
}
