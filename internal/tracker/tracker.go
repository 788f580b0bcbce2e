// Package tracker owns the resource lifecycle: it creates and mutates
// tracked resources through the store's CAS operations, arms their
// reminders, cancels them the moment a resource goes terminal, and reaps
// old terminal rows.
package tracker

import (
	"context"
	"sync"
	"time"

	"tendbot/internal/eventbus"
	"tendbot/internal/notify"
	"tendbot/internal/resource"
	"tendbot/internal/sched"
	"tendbot/internal/storage"
	logx "tendbot/pkg/logx"
)

// PageSize caps every active-resource listing.
const PageSize = 10

type Config struct {
	Profiles map[resource.Kind]resource.Profile

	ReapEvery   time.Duration // default 24h
	Retention   time.Duration // default 7 days
	FireTimeout time.Duration // per-fire execution bound, default 10s
}

type Service struct {
	log    logx.Logger
	store  storage.Store
	timers *sched.Service
	notif  *notify.Service
	bus    eventbus.Bus
	cfg    Config

	// reminder table: resource key -> armed entry names. Owned exclusively
	// by this service; cardinality is low, one lock is enough.
	mu        sync.Mutex
	reminders map[string][]string
}

func New(cfg Config, store storage.Store, timers *sched.Service, notif *notify.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Profiles == nil {
		cfg.Profiles = resource.DefaultProfiles()
	}
	if cfg.ReapEvery <= 0 {
		cfg.ReapEvery = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.FireTimeout <= 0 {
		cfg.FireTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:       log,
		store:     store,
		timers:    timers,
		notif:     notif,
		bus:       bus,
		cfg:       cfg,
		reminders: map[string][]string{},
	}
}

// Start arms the reaper. The timer service must already be running.
func (s *Service) Start(ctx context.Context) error {
	return s.timers.Every("reaper", s.cfg.ReapEvery, s.cfg.FireTimeout, s.reap)
}

// Create inserts the resource and then arms its reminders as a separate,
// sequenced step. The insert is the synchronous part; reminder delivery
// happens later against the stored row.
func (s *Service) Create(ctx context.Context, kind resource.Kind, ownerID int64, ownerName, location string) (resource.Resource, error) {
	if !kind.Valid() {
		return resource.Resource{}, resource.ErrNotFound
	}
	id, err := s.store.Insert(ctx, resource.Resource{
		Kind:      kind,
		OwnerID:   ownerID,
		OwnerName: ownerName,
		Location:  location,
	})
	if err != nil {
		return resource.Resource{}, err
	}
	r, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return resource.Resource{}, err
	}

	s.Arm(r)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventResourceCreated, Data: r})
	}
	s.log.Info("resource created",
		logx.String("resource", r.Key()),
		logx.String("owner", ownerName),
		logx.String("location", location))
	return r, nil
}

// MarkServiced records the one-time service mark. Armed service reminders
// are left in place: they re-check the row at fire time and suppress
// themselves once the mark is set. Recurring collection reminders ignore
// the mark entirely.
func (s *Service) MarkServiced(ctx context.Context, kind resource.Kind, id int64, actor string) (resource.Resource, error) {
	r, err := s.store.MarkServiced(ctx, kind, id, actor, time.Now())
	if err != nil {
		return resource.Resource{}, err
	}
	s.log.Info("resource serviced", logx.String("resource", r.Key()), logx.String("by", actor))
	return r, nil
}

// MarkTerminal is the single CAS transition into the terminal status. On
// success every pending reminder for the resource is cancelled in the same
// logical operation; the fire-time re-check is only the race safety net.
func (s *Service) MarkTerminal(ctx context.Context, kind resource.Kind, id int64, actor, storageRef string) (resource.Resource, error) {
	r, err := s.store.MarkTerminal(ctx, kind, id, actor, storageRef, time.Now())
	if err != nil {
		return resource.Resource{}, err
	}

	s.CancelReminders(kind, id)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventResourceTerminal, Data: r})
	}
	s.log.Info("resource done",
		logx.String("resource", r.Key()),
		logx.String("by", actor),
		logx.String("stored", storageRef))
	return r, nil
}

func (s *Service) ListActive(ctx context.Context, kind resource.Kind) ([]resource.Resource, error) {
	return s.store.ListActive(ctx, kind, PageSize)
}

func (s *Service) Recent(ctx context.Context, limit int) ([]resource.Activity, error) {
	if limit <= 0 || limit > 50 {
		limit = PageSize
	}
	return s.store.Recent(ctx, limit)
}

func (s *Service) Profile(kind resource.Kind) resource.Profile {
	return s.cfg.Profiles[kind]
}

// reap deletes terminal resources older than the retention window. It is a
// pure store operation; by the time a resource is terminal its reminders
// are already cancelled or self-suppressing.
func (s *Service) reap(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.Retention)
	n, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("reaped old resources", logx.Int64("count", n), logx.Time("cutoff", cutoff))
	}
	return nil
}
