package tracker

import (
	"context"
	"errors"

	"tendbot/internal/notify"
	"tendbot/internal/resource"
	logx "tendbot/pkg/logx"
)

// Arm schedules every reminder a freshly created resource needs: two
// one-shot service reminders for both kinds, plus the recurring
// collection-ready reminder for recharging resources. Called exactly once
// per resource, right after insert.
func (s *Service) Arm(r resource.Resource) {
	prof, ok := s.cfg.Profiles[r.Kind]
	if !ok {
		s.log.Error("no profile for kind; reminders not armed", logx.String("kind", string(r.Kind)))
		return
	}
	key := r.Key()
	kind, id := r.Kind, r.ID

	var entries []string
	arm := func(entry string, err error) {
		if err != nil {
			s.log.Error("reminder arm failed", logx.String("entry", entry), logx.Err(err))
			return
		}
		entries = append(entries, entry)
	}

	e1 := key + ":service:1"
	arm(e1, s.timers.Once(e1, prof.FirstService, s.cfg.FireTimeout, func(ctx context.Context) error {
		return s.fireService(ctx, kind, id, e1)
	}))

	e2 := key + ":service:2"
	arm(e2, s.timers.Once(e2, prof.SecondService, s.cfg.FireTimeout, func(ctx context.Context) error {
		return s.fireService(ctx, kind, id, e2)
	}))

	if prof.CollectEvery > 0 {
		ec := key + ":collect"
		arm(ec, s.timers.Every(ec, prof.CollectEvery, s.cfg.FireTimeout, func(ctx context.Context) error {
			return s.fireCollect(ctx, kind, id)
		}))
	}

	s.mu.Lock()
	s.reminders[key] = entries
	s.mu.Unlock()
}

// CancelReminders drops every pending reminder for the resource. Idempotent;
// a fire already executing is allowed to finish and suppresses itself via
// the status re-check.
func (s *Service) CancelReminders(kind resource.Kind, id int64) {
	key := resource.Key(kind, id)

	s.mu.Lock()
	entries := s.reminders[key]
	delete(s.reminders, key)
	s.mu.Unlock()

	for _, e := range entries {
		s.timers.Cancel(e)
	}
}

// forget removes a single spent one-shot entry from the reminder table.
func (s *Service) forget(key, entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.reminders[key]
	for i, e := range rs {
		if e == entry {
			rs[i] = rs[len(rs)-1]
			s.reminders[key] = rs[:len(rs)-1]
			break
		}
	}
	if len(s.reminders[key]) == 0 {
		delete(s.reminders, key)
	}
}

// fireService runs when a one-shot service reminder comes due. The current
// row is re-read first: a terminal or already-serviced resource suppresses
// dispatch (the reminder's job is already moot). The table row is dropped
// regardless of outcome; one-shots never re-fire.
func (s *Service) fireService(ctx context.Context, kind resource.Kind, id int64, entry string) error {
	key := resource.Key(kind, id)
	defer s.forget(key, entry)

	r, err := s.store.Get(ctx, kind, id)
	if errors.Is(err, resource.ErrNotFound) {
		return nil // reaped or deleted; nothing to remind about
	}
	if err != nil {
		return err
	}
	if r.Terminal() || r.Serviced() {
		s.log.Debug("service reminder suppressed",
			logx.String("resource", key),
			logx.Bool("terminal", r.Terminal()),
			logx.Bool("serviced", r.Serviced()))
		return nil
	}

	if err := s.notif.Send(ctx, notify.Dispatch{
		Kind:     notify.ServiceReminder,
		Resource: r,
		Profile:  s.cfg.Profiles[kind],
	}); err != nil {
		// Transport failures are not retried per fire; the second service
		// reminder (if still pending) is unaffected.
		s.log.Warn("service reminder dispatch failed", logx.String("resource", key), logx.Err(err))
	}
	return nil
}

// fireCollect runs on every period of a recurring collection reminder. A
// terminal (or vanished) resource cancels the recurring entry instead of
// letting it tick forever; for a live resource the cron entry re-arms
// itself for the next period no matter how the dispatch went.
func (s *Service) fireCollect(ctx context.Context, kind resource.Kind, id int64) error {
	key := resource.Key(kind, id)

	r, err := s.store.Get(ctx, kind, id)
	if errors.Is(err, resource.ErrNotFound) {
		s.CancelReminders(kind, id)
		return nil
	}
	if err != nil {
		return err
	}
	if r.Terminal() {
		// Normally MarkTerminal already cancelled us; this is the race net.
		s.CancelReminders(kind, id)
		return nil
	}

	if err := s.notif.Send(ctx, notify.Dispatch{
		Kind:     notify.CollectionReady,
		Resource: r,
		Profile:  s.cfg.Profiles[kind],
	}); err != nil {
		// The next period is the natural retry.
		s.log.Warn("collection reminder dispatch failed", logx.String("resource", key), logx.Err(err))
	}
	return nil
}
