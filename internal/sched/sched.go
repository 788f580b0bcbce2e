// Package sched is the clock/timer service: named one-shot and recurring
// entries whose fires are executed on a small fixed worker pool.
//
// Entries are identified by name. Re-adding a name replaces the previous
// entry; Cancel(name) is idempotent. A one-shot whose timer already went
// off keeps a version counter so a stale callback from a replaced timer is
// ignored.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tendbot/internal/eventbus"
	logx "tendbot/pkg/logx"
)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	c       *cron.Cron
	parser  cron.Parser
	entries map[string]cron.EntryID

	queue  chan task
	stopCh chan struct{}

	// one-shot timers, guarded separately so a firing timer never contends
	// with cron registration
	tmu    sync.Mutex
	timers map[string]*time.Timer
	ver    map[string]uint64
}

// FireDropped is the bus payload published when a fire could not be
// enqueued. For a recurring entry this means a silently skipped period, so
// subscribers should surface it to operators.
type FireDropped struct {
	Name string
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]cron.EntryID{},
		timers:  map[string]*time.Timer{},
		ver:     map[string]uint64{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan task, s.cfg.QueueSize)
	s.c = cron.New(cron.WithParser(s.parser))

	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx, s.stopCh, s.queue)
	}
	s.c.Start()
	s.log.Info("sched started", logx.Int("workers", s.cfg.Workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.entries = map[string]cron.EntryID{}
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
	s.ver = map[string]uint64{}
	s.tmu.Unlock()

	s.log.Info("sched stopped")
}

// Once arms a one-shot entry that fires after delay.
func (s *Service) Once(name string, delay time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("name required")
	}
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	// upsert: stop a previous timer with the same name
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	v := s.ver[name] + 1
	s.ver[name] = v

	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.ver[name] != v {
			// replaced or cancelled while the callback was pending
			s.tmu.Unlock()
			return
		}
		delete(s.timers, name)
		delete(s.ver, name)
		s.tmu.Unlock()

		s.enqueue(task{name: name, timeout: timeout, run: job})
	})
	return nil
}

// Every arms a recurring entry with the given period; the first fire is one
// period from now.
func (s *Service) Every(name string, period time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("name required")
	}
	if period <= 0 {
		return fmt.Errorf("period must be > 0, got %s", period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("sched not started")
	}
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
		delete(s.entries, name)
	}
	id := s.c.Schedule(constantDelay(period), cron.FuncJob(func() {
		s.enqueue(task{name: name, timeout: timeout, run: job})
	}))
	s.entries[name] = id
	s.log.Debug("recurring entry armed", logx.String("name", name), logx.Duration("period", period))
	return nil
}

// constantDelay fires one period after each activation. The "@every"
// descriptor rounds periods up to whole seconds; this keeps full resolution.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Cancel removes the named entry, one-shot or recurring. It reports whether
// anything was pending. A fire already handed to a worker is allowed to
// finish.
func (s *Service) Cancel(name string) bool {
	removed := false

	s.mu.Lock()
	if id, ok := s.entries[name]; ok {
		if s.c != nil {
			s.c.Remove(id)
		}
		delete(s.entries, name)
		removed = true
	}
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	// bump version so an in-flight AfterFunc callback turns into a no-op
	if _, ok := s.ver[name]; ok {
		s.ver[name]++
	}
	s.tmu.Unlock()

	if removed {
		s.log.Debug("entry cancelled", logx.String("name", name))
	}
	return removed
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- t:
	default:
		s.log.Warn("sched queue full, dropping fire", logx.String("name", t.name))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventFireDropped, Data: FireDropped{Name: t.name}})
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	timeout := t.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := t.run(runCtx); err != nil {
		s.log.Warn("entry run failed", logx.String("name", t.name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("entry run ok", logx.String("name", t.name), logx.Duration("took", time.Since(start)))
}
