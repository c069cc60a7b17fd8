// Package scheduler runs a periodic job on a cron schedule. hookrelay uses it
// for the upstream health probe.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "hookrelay/pkg/logx"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Enabled  bool
	Schedule string // cron spec or @every
	Timezone string // IANA TZ; empty means local
}

type Job func(ctx context.Context) error

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule and timezone without starting anything.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := parser.Parse(strings.TrimSpace(cfg.Schedule)); err != nil {
		return fmt.Errorf("probe.schedule: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("probe.timezone: %w", err)
		}
	}
	return nil
}

type Scheduler struct {
	name    string
	job     Job
	timeout time.Duration
	log     logx.Logger

	mu  sync.Mutex
	ctx context.Context
	cfg Config
	c   *cron.Cron

	runs   atomic.Uint64
	failed atomic.Uint64
}

func New(name string, job Job, timeout time.Duration, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{name: name, job: job, timeout: timeout, log: log, ctx: context.Background()}
}

// Run applies cfg and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	if err := s.Apply(cfg); err != nil {
		s.log.Warn("schedule rejected; job disabled", logx.Err(err))
	}
	<-ctx.Done()
	s.stop()
	return ctx.Err()
}

// Apply swaps the schedule. A bad schedule leaves the job stopped.
func (s *Scheduler) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.cfg = cfg
	if !cfg.Enabled {
		return nil
	}
	if err := Validate(cfg); err != nil {
		return err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, _ = time.LoadLocation(tz)
	}
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		cron.WithLogger(clog),
	)
	base := s.ctx
	if _, err := c.AddFunc(strings.TrimSpace(cfg.Schedule), func() { s.runJob(base) }); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("schedule started", logx.String("job", s.name), logx.String("schedule", cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

// RunNow executes the job once outside the schedule.
func (s *Scheduler) RunNow(ctx context.Context) error { return s.runJob(ctx) }

func (s *Scheduler) Runs() (total, failed uint64) { return s.runs.Load(), s.failed.Load() }

func (s *Scheduler) runJob(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	jctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	s.runs.Add(1)
	err := s.job(jctx)
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("job failed", logx.String("job", s.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	s.log.Debug("job done", logx.String("job", s.name), logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
}

func (s *Scheduler) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Any("kv", kv), logx.Err(err))
}
