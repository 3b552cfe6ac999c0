// Package refresh drives the periodic status refresh of connected devices.
package refresh

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		Interval:     2 * time.Second,
	}
}

// delaySchedule fires once at first and then every interval after the previous
// run. cron.Every truncates to whole seconds, which is too coarse here.
type delaySchedule struct {
	first    time.Time
	interval time.Duration
}

func (s delaySchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return t.Add(s.interval)
}

// Scheduler runs a tick function on a recurring schedule while active.
// Resume and Pause are idempotent.
type Scheduler struct {
	logger *logrus.Logger
	cfg    Config
	tick   func()
	cron   *cron.Cron

	mu      sync.Mutex
	entry   cron.EntryID
	active  bool
	started bool
	ticks   uint64
}

func New(cfg Config, tick func(), logger *logrus.Logger) *Scheduler {
	if logger == nil {
		panic("refresh.Scheduler: logger cannot be nil")
	}
	if tick == nil {
		panic("refresh.Scheduler: tick cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		logger: logger,
		cfg:    cfg,
		tick:   tick,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
}

// Resume starts ticking after the initial delay. It returns false if the
// scheduler was already active.
func (s *Scheduler) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	schedule := delaySchedule{first: time.Now().Add(s.cfg.InitialDelay), interval: s.cfg.Interval}
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(s.run))
	s.active = true
	if !s.started {
		s.cron.Start()
		s.started = true
	}
	s.logger.WithFields(logrus.Fields{"initial_delay": s.cfg.InitialDelay, "interval": s.cfg.Interval}).Info("Refresh: resumed")
	return true
}

// Pause stops further ticks. A tick already running completes. It returns
// false if the scheduler was not active.
func (s *Scheduler) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.cron.Remove(s.entry)
	s.active = false
	s.logger.Info("Refresh: paused")
	return true
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Tick runs one refresh immediately if the scheduler is active.
func (s *Scheduler) Tick() bool {
	if !s.Active() {
		return false
	}
	s.run()
	return true
}

// Ticks returns the number of refreshes run so far.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

func (s *Scheduler) run() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.ticks++
	s.mu.Unlock()
	s.tick()
}

// Stop pauses the scheduler and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	s.Pause()
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if started {
		<-s.cron.Stop().Done()
	}
}
