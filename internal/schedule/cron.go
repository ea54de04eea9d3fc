package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
// plus descriptors such as @daily and @every 1h
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates and parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCron, err)
	}
	return sched, nil
}

// NextRun calculates the next run time after the given time. An expression
// with no occurrence in the next five years (such as Feb 30) is an error.
func NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next, nil
}

// NextRuns returns the next n run times after the given time
func NextRuns(expr string, after time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		after = sched.Next(after)
		if after.IsZero() {
			break
		}
		runs = append(runs, after)
	}
	return runs, nil
}

// ValidateCron checks that a cron expression parses and fires at least once
func ValidateCron(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: expression is empty", ErrInvalidCron)
	}
	_, err := NextRun(expr, time.Now())
	return err
}
