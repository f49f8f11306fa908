package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled unit of work. Errors are logged and swallowed; a
// failing tick never stops subsequent ticks or sibling tasks.
type Job func(ctx context.Context) error

// TaskSpec describes a recurring task. Exactly one of Interval, Cron, or
// Daily must be set.
//
// For interval tasks, StartAt anchors the tick grid: a StartAt in the past
// fires the task immediately and subsequent ticks stay aligned to
// StartAt + n*Interval. RunImmediately triggers one extra invocation before
// ticking begins (collapsed with the past-StartAt immediate run, never two).
type TaskSpec struct {
	Interval       time.Duration
	Cron           string
	Daily          string // "HH:MM" in the scheduler timezone
	StartAt        time.Time
	RunImmediately bool
	Job            Job
}

// ConfigurationError reports an invalid task registration. It is returned
// synchronously from AddTask and never swallowed.
type ConfigurationError struct {
	Name   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %s", e.Name, e.Reason)
}

func configErr(name, format string, args ...any) error {
	return &ConfigurationError{Name: name, Reason: fmt.Sprintf(format, args...)}
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	// MaxTimerSpan bounds a single armed one-shot timer. Longer delays are
	// handled by waking at this interval and recomputing the remaining
	// delay, so multi-day timers never rely on one arbitrarily long timer.
	// Default 6h.
	MaxTimerSpan time.Duration
}

type taskDef struct {
	name    string
	spec    string // normalized cron spec ("@every 5m", "30 3 * * *", ...)
	job     Job
	entryID cron.EntryID
	sched   cron.Schedule
}

// TaskInfo is a diagnostic view of one registered task.
type TaskInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}
