package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// parse accepts standard five-field expressions and descriptors such as
// "@daily".
func parse(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, fmt.Errorf("empty cron expression: %w", media.ErrInvalidInput)
	}
	schedule, err := cron.ParseStandard(trimmed)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w: %w", expr, media.ErrInvalidInput, err)
	}
	return schedule, nil
}

// ValidateCronExpression reports whether expr parses.
func ValidateCronExpression(expr string) bool {
	_, err := parse(expr)
	return err == nil
}

// NextRunTime returns the first activation strictly after from.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires: %w", expr, media.ErrInvalidInput)
	}
	return next, nil
}

// ShouldFire reports whether a task last run at lastRun is due at now: it is
// due when an activation falls in (lastRun, now]. A task that never ran is
// always due.
func ShouldFire(expr string, lastRun *time.Time, now time.Time) (bool, error) {
	schedule, err := parse(expr)
	if err != nil {
		return false, err
	}
	if lastRun == nil {
		return true, nil
	}
	next := schedule.Next(*lastRun)
	return !next.IsZero() && !next.After(now), nil
}
