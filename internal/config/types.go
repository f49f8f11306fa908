package config

import (
	"fmt"
	"strings"
	"time"

	"modbot/internal/lock"
	"modbot/internal/notify"
	"modbot/internal/queue"
	"modbot/internal/schedule"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Locks     LocksConfig     `json:"locks"`
	Queue     QueueConfig     `json:"queue"`

	// Notify may be omitted; the pipeline then runs with defaults.
	Notify  *NotifyConfig  `json:"notify,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`

	Orchestrator OrchestratorConfig `json:"orchestrator"`
}

type TelegramConfig struct {
	Token     string `json:"token"`
	ParseMode string `json:"parse_mode,omitempty"`
	// ChatID is where announcements and task status messages go.
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls timer and trigger behavior.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// MaxTimerSpan caps a single armed timer; far-future deadlines are
	// re-armed in hops of this span. Default "6h".
	MaxTimerSpan string `json:"max_timer_span,omitempty"`
}

type LocksConfig struct {
	// MaxPending bounds waiters per resource key; excess acquisitions are
	// rejected immediately.
	MaxPending int `json:"max_pending,omitempty"`
}

type QueueConfig struct {
	// Limit is the number of tasks allowed to run at once.
	Limit          int    `json:"limit,omitempty"`
	MaxPending     int    `json:"max_pending,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// NotifyConfig controls the async announcement pipeline.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type OrchestratorConfig struct {
	DeleteOnSuccess bool   `json:"delete_on_success"`
	ChannelTimeout  string `json:"channel_timeout,omitempty"`
}

// The Build* helpers translate the on-disk form into component configs,
// parsing duration strings and filling defaults.

func (c *Config) BuildLogging() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) BuildScheduler() (schedule.Config, error) {
	span, err := ParseDurationField("scheduler.max_timer_span", c.Scheduler.MaxTimerSpan)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Timezone:     strings.TrimSpace(c.Scheduler.Timezone),
		MaxTimerSpan: span,
	}, nil
}

func (c *Config) BuildLocks() lock.Config {
	return lock.Config{MaxPending: c.Locks.MaxPending}
}

func (c *Config) BuildQueue() (queue.Config, error) {
	timeout, err := ParseDurationField("queue.default_timeout", c.Queue.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	grace, err := ParseDurationField("queue.shutdown_grace", c.Queue.ShutdownGrace)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Limit:          c.Queue.Limit,
		MaxPending:     c.Queue.MaxPending,
		DefaultTimeout: timeout,
		ShutdownGrace:  grace,
		HistorySize:    c.Queue.HistorySize,
	}, nil
}

func (c *Config) BuildNotify() (notify.Config, error) {
	n := c.Notify
	if n == nil {
		// Omitted section: pipeline enabled with defaults.
		return notify.Config{Enabled: true}, nil
	}
	base, err := ParseDurationField("notify.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	window, err := ParseDurationField("notify.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func (c *Config) BuildStorage() (storage.Config, error) {
	s := c.Storage
	if s == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(s.Driver),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: busy,
	}, nil
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when a token is set")
	}
	if c.Storage != nil {
		d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		switch d {
		case "", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				return fmt.Errorf("storage.path is required for driver %q", d)
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported", d)
		}
	}
	// Parse all duration fields once so a bad reload is rejected up front.
	if _, err := c.BuildScheduler(); err != nil {
		return err
	}
	if _, err := c.BuildQueue(); err != nil {
		return err
	}
	if _, err := c.BuildNotify(); err != nil {
		return err
	}
	if _, err := c.BuildStorage(); err != nil {
		return err
	}
	if _, err := c.BuildOrchestratorTimeout(); err != nil {
		return err
	}
	return nil
}

// BuildOrchestratorTimeout returns the per-call channel bound for status
// messages, zero meaning the orchestrator default.
func (c *Config) BuildOrchestratorTimeout() (time.Duration, error) {
	return ParseDurationField("orchestrator.channel_timeout", c.Orchestrator.ChannelTimeout)
}
