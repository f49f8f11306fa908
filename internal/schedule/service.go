package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "modbot/pkg/logx"
)

// Service is a named recurring/one-shot task runner.
//
// At most one live timer exists per task name; re-registering a name
// atomically cancels the prior timer first. Overlapping runs of the same task
// are NOT prevented here; callers needing exclusivity guard the job body with
// lock.Manager.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	loc  *time.Location
	base context.Context

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*taskDef

	// One-time timers, versioned so stale callbacks from replaced or removed
	// timers are ignored.
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	onceAt  map[string]time.Time
	onceJob map[string]Job
	onceVer map[string]uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxTimerSpan <= 0 {
		cfg.MaxTimerSpan = 6 * time.Hour
	}
	return &Service{
		log:  log,
		cfg:  cfg,
		base: context.Background(),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:    map[string]*taskDef{},
		timers:  map[string]*time.Timer{},
		onceAt:  map[string]time.Time{},
		onceJob: map[string]Job{},
		onceVer: map[string]uint64{},
	}
}

// Start begins cron triggering and arms persisted one-shot timers.
// Tasks registered before Start are armed now.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base = ctx

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		s.armCronLocked(d)
	}
	s.c.Start()
	s.rebuildOnceTimersLocked()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("tasks", len(s.defs)))
}

// Stop stops cron triggering and all runtime one-shot timers. Persisted
// one-shot definitions remain so they re-arm on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped")
}

// AddTask registers a recurring task under name, replacing any prior task
// with the same name. Invalid specs fail synchronously with a
// ConfigurationError.
func (s *Service) AddTask(name string, spec TaskSpec) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return configErr(name, "name required")
	}
	if spec.Job == nil {
		return configErr(name, "job required")
	}
	forms := 0
	if spec.Interval != 0 {
		forms++
	}
	if strings.TrimSpace(spec.Cron) != "" {
		forms++
	}
	if strings.TrimSpace(spec.Daily) != "" {
		forms++
	}
	if forms != 1 {
		return configErr(name, "exactly one of interval, cron, or daily required")
	}

	var (
		normSpec string
		sched    cron.Schedule
	)
	switch {
	case spec.Interval != 0:
		if spec.Interval <= 0 {
			return configErr(name, "interval must be > 0")
		}
		start := spec.StartAt
		if start.IsZero() {
			start = time.Now()
		}
		normSpec = fmt.Sprintf("@every %s", spec.Interval)
		sched = anchoredInterval{start: start, every: spec.Interval}
	case strings.TrimSpace(spec.Cron) != "":
		expr := strings.TrimSpace(spec.Cron)
		parsed, err := s.parser.Parse(expr)
		if err != nil {
			return configErr(name, "cron %q: %v", expr, err)
		}
		normSpec = expr
		sched = parsed
	default:
		h, m, err := parseHHMM(spec.Daily)
		if err != nil {
			return configErr(name, "daily %q: %v", spec.Daily, err)
		}
		expr := fmt.Sprintf("%d %d * * *", m, h)
		parsed, err := s.parser.Parse(expr)
		if err != nil {
			return configErr(name, "daily %q: %v", spec.Daily, err)
		}
		normSpec = expr
		sched = parsed
	}

	s.mu.Lock()
	s.removeTaskLocked(name)
	d := &taskDef{name: name, spec: normSpec, job: spec.Job, sched: sched}
	s.defs[name] = d
	if s.c != nil {
		s.armCronLocked(d)
	}
	s.mu.Unlock()

	// Catch-up / immediate-run semantics: a past StartAt or RunImmediately
	// triggers one invocation now, outside the tick grid.
	if spec.RunImmediately || (spec.Interval > 0 && !spec.StartAt.IsZero() && spec.StartAt.Before(time.Now())) {
		go s.runIsolated(name, spec.Job)
	}

	s.log.Debug("task registered", logx.String("name", name), logx.String("spec", normSpec))
	return nil
}

// AddOnce arms a one-shot timer under name, replacing any prior timer with
// the same name. A past at fires (almost) immediately. Delays beyond
// MaxTimerSpan re-arm periodically instead of trusting one long timer.
func (s *Service) AddOnce(name string, at time.Time, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return configErr(name, "name required")
	}
	if job == nil {
		return configErr(name, "job required")
	}
	if at.IsZero() {
		return configErr(name, "time required")
	}

	s.mu.Lock()
	s.removeTaskLocked(name)
	started := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	ver := s.onceVer[name] + 1
	s.onceVer[name] = ver
	s.onceAt[name] = at
	s.onceJob[name] = job
	if started {
		s.armOnceLocked(name, ver)
	}
	s.tmu.Unlock()

	s.log.Debug("once timer registered", logx.String("name", name), logx.Time("at", at))
	return nil
}

// RemoveTask cancels the named task (recurring or one-shot). Idempotent.
func (s *Service) RemoveTask(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	removed := s.removeTaskLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	removed = s.removeOnceLocked(name) || removed
	s.tmu.Unlock()

	if removed {
		s.log.Debug("task removed", logx.String("name", name))
	}
}

// Tasks lists registered recurring tasks for diagnostics.
func (s *Service) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := TaskInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out = append(out, it)
	}
	return out
}

// ---- internals ----

// armCronLocked registers d with the running cron. Call with s.mu held.
func (s *Service) armCronLocked(d *taskDef) {
	name := d.name
	job := d.job
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() {
		s.runIsolated(name, job)
	}))
}

func (s *Service) removeTaskLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// removeOnceLocked clears the named one-shot timer. Call with s.tmu held.
func (s *Service) removeOnceLocked(name string) bool {
	removed := false
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceAt[name]; ok {
		delete(s.onceAt, name)
		delete(s.onceJob, name)
		removed = true
	}
	// Keep onceVer so late callbacks from the removed timer stay stale.
	if removed {
		s.onceVer[name]++
	}
	return removed
}

// armOnceLocked arms the runtime timer for a persisted once definition.
// Call with s.tmu held.
func (s *Service) armOnceLocked(name string, ver uint64) {
	at := s.onceAt[name]
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	rearm := false
	if delay > s.cfg.MaxTimerSpan {
		delay = s.cfg.MaxTimerSpan
		rearm = true
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.onceVer[name] != ver || s.onceJob[name] == nil {
			s.tmu.Unlock()
			return
		}
		if rearm {
			// Still far out: recompute the remaining delay and re-arm.
			s.armOnceLocked(name, ver)
			s.tmu.Unlock()
			return
		}
		job := s.onceJob[name]
		delete(s.timers, name)
		delete(s.onceAt, name)
		delete(s.onceJob, name)
		s.onceVer[name] = ver + 1
		s.tmu.Unlock()

		s.runIsolated(name, job)
	})
}

// rebuildOnceTimersLocked recreates runtime timers from persisted once
// definitions. Call with s.mu held.
func (s *Service) rebuildOnceTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	for name := range s.onceAt {
		if s.onceJob[name] == nil {
			delete(s.onceAt, name)
			delete(s.onceJob, name)
			continue
		}
		ver := s.onceVer[name]
		if ver == 0 {
			ver = 1
			s.onceVer[name] = ver
		}
		s.armOnceLocked(name, ver)
	}
}

// runIsolated invokes job with panic/error isolation so one bad tick can't
// stop the schedule or crash sibling tasks.
func (s *Service) runIsolated(name string, job Job) {
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := job(ctx); err != nil {
		s.log.Warn("task failed", logx.String("task", name), logx.Any("err", err), logx.Duration("dur", time.Since(start)))
		return
	}
	s.log.Debug("task completed", logx.String("task", name), logx.Duration("dur", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// anchoredInterval ticks at start + n*every, keeping the grid aligned to the
// caller-supplied anchor across registrations.
type anchoredInterval struct {
	start time.Time
	every time.Duration
}

func (a anchoredInterval) Next(t time.Time) time.Time {
	if t.Before(a.start) {
		return a.start
	}
	n := t.Sub(a.start)/a.every + 1
	return a.start.Add(n * a.every)
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
