package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleJSON = `{
  "telegram": {"token": "123:abc", "chat_id": -100200300, "parse_mode": "HTML"},
  "logging": {"level": "debug", "console": true, "file": {"enabled": true, "path": "/tmp/modbot.log"}},
  "scheduler": {"timezone": "Asia/Jakarta", "max_timer_span": "2h"},
  "locks": {"max_pending": 8},
  "queue": {"limit": 3, "max_pending": 100, "default_timeout": "30s", "shutdown_grace": "5s"},
  "notify": {"enabled": true, "workers": 4, "queue_size": 64, "rate_per_sec": 2, "retry_max": 3, "retry_base": "250ms", "retry_max_delay": "4s", "dedup_window": "1m", "dedup_max_entries": 500},
  "storage": {"driver": "sqlite", "path": "/tmp/modbot.db", "busy_timeout": "2s"},
  "orchestrator": {"delete_on_success": true, "channel_timeout": "3s"}
}`

const sampleYAML = `telegram:
  token: "123:abc"
  chat_id: -100200300
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  timezone: UTC
queue:
  limit: 2
`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", sampleJSON))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.ChatID != -100200300 || cfg.Telegram.ParseMode != "HTML" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Queue.Limit != 3 || cfg.Locks.MaxPending != 8 {
		t.Fatalf("queue/locks = %+v / %+v", cfg.Queue, cfg.Locks)
	}

	sc, err := cfg.BuildScheduler()
	if err != nil {
		t.Fatalf("build scheduler: %v", err)
	}
	if sc.Timezone != "Asia/Jakarta" || sc.MaxTimerSpan != 2*time.Hour {
		t.Fatalf("scheduler = %+v", sc)
	}
	qc, err := cfg.BuildQueue()
	if err != nil {
		t.Fatalf("build queue: %v", err)
	}
	if qc.DefaultTimeout != 30*time.Second || qc.ShutdownGrace != 5*time.Second {
		t.Fatalf("queue = %+v", qc)
	}
	nc, err := cfg.BuildNotify()
	if err != nil {
		t.Fatalf("build notify: %v", err)
	}
	if !nc.Enabled || nc.Workers != 4 || nc.RetryBase != 250*time.Millisecond || nc.DedupWindow != time.Minute {
		t.Fatalf("notify = %+v", nc)
	}
	st, err := cfg.BuildStorage()
	if err != nil {
		t.Fatalf("build storage: %v", err)
	}
	if st.Driver != "sqlite" || st.BusyTimeout != 2*time.Second {
		t.Fatalf("storage = %+v", st)
	}
	ot, err := cfg.BuildOrchestratorTimeout()
	if err != nil || ot != 3*time.Second {
		t.Fatalf("orchestrator timeout = %v, %v", ot, err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.ChatID != -100200300 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Queue.Limit != 2 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"telegramm": {"token": "x"}}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}} {"extra": 1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("want error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "token without chat id",
			mutate:  func(c *Config) { c.Telegram.Token = "123:abc" },
			wantErr: "chat_id",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Storage = &StorageConfig{Driver: "sqlite"}
			},
			wantErr: "storage.path",
		},
		{
			name: "unknown storage driver",
			mutate: func(c *Config) {
				c.Storage = &StorageConfig{Driver: "postgres"}
			},
			wantErr: "not supported",
		},
		{
			name:    "bad scheduler duration",
			mutate:  func(c *Config) { c.Scheduler.MaxTimerSpan = "soon" },
			wantErr: "scheduler.max_timer_span",
		},
		{
			name:    "negative queue timeout",
			mutate:  func(c *Config) { c.Queue.DefaultTimeout = "-5s" },
			wantErr: "queue.default_timeout",
		},
		{
			name: "bad notify duration",
			mutate: func(c *Config) {
				c.Notify = &NotifyConfig{Enabled: true, DedupWindow: "often"}
			},
			wantErr: "notify.dedup_window",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}

	// The zero config is valid: memory storage, defaults everywhere.
	var zero Config
	if err := zero.Validate(); err != nil {
		t.Fatalf("zero config invalid: %v", err)
	}
}

func TestBuildDefaultsForOmittedSections(t *testing.T) {
	t.Parallel()
	var cfg Config

	nc, err := cfg.BuildNotify()
	if err != nil {
		t.Fatalf("build notify: %v", err)
	}
	if !nc.Enabled {
		t.Fatal("omitted notify section should enable the pipeline")
	}
	st, err := cfg.BuildStorage()
	if err != nil {
		t.Fatalf("build storage: %v", err)
	}
	if st.Driver != "memory" {
		t.Fatalf("driver = %q, want memory", st.Driver)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("1m30s = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("want error for negative duration")
	}
	if _, err := ParseDurationField("x", "fast"); err == nil {
		t.Fatal("want error for junk")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Logging.Level = "debug"
	newCfg.Queue.Limit = 4
	newCfg.Telegram.Token = "123:abc"
	newCfg.Telegram.ChatID = 42

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"logging", "queue", "telegram"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("want structured attrs for changed sections")
	}

	// Token value changes are reported as set/unset only; same-set is quiet.
	rotated := &Config{}
	rotated.Telegram = newCfg.Telegram
	rotated.Telegram.Token = "456:def"
	rotated.Logging = newCfg.Logging
	rotated.Queue = newCfg.Queue
	changed, _ = SummarizeChange(newCfg, rotated)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none for token rotation", changed)
	}

	if changed, _ := SummarizeChange(nil, nil); len(changed) != 0 {
		t.Fatalf("nil/nil changed = %v", changed)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a beat to arm before the write.
	time.Sleep(100 * time.Millisecond)
	next := `{"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}}}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if got := m.Get(); got.Logging.Level != "debug" {
		t.Fatalf("committed level = %q, want debug", got.Logging.Level)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
	m.Unsubscribe(sub)
}

func TestWatchRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"queue": {"limit": 1, "max_pending": 0, "default_timeout": "", "shutdown_grace": "", "history_size": 0}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Broken duration: parse fails, nothing is committed or published.
	if err := os.WriteFile(path, []byte(`{"queue": {"limit": 1, "default_timeout": "banana"}}`), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(700 * time.Millisecond):
	}
	if got := m.Get(); got.Queue.Limit != 1 || got.Queue.DefaultTimeout != "" {
		t.Fatalf("committed config mutated: %+v", got.Queue)
	}
}
