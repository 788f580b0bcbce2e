package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tendbot/internal/config"
	"tendbot/internal/eventbus"
	"tendbot/internal/notify"
	"tendbot/internal/resource"
	"tendbot/internal/sched"
	"tendbot/internal/storage"
	"tendbot/internal/tracker"
	kit "tendbot/internal/transport"
	telegram "tendbot/internal/transport/telegram"
	logx "tendbot/pkg/logx"
)

// App wires every component together. All dependencies are constructed
// here and injected; nothing reaches for ambient singletons.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	adapter kit.Adapter
	timers  *sched.Service
	notif   *notify.Service
	track   *tracker.Service

	updates chan kit.Update

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}, adapter)
	if cfg.Telegram.OpsChat != 0 {
		logSvc.SetChatTarget(kit.ChatTarget{ChatID: cfg.Telegram.OpsChat})
	}
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	schedCfg, err := schedConfig(cfg)
	if err != nil {
		return nil, err
	}
	timers := sched.New(schedCfg, log.With(logx.String("comp", "sched")), bus)

	notifCfg, err := notifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(notifCfg, adapter, map[resource.Kind]kit.ChatTarget{
		resource.KindGrowing:    {ChatID: cfg.Telegram.PlantChat},
		resource.KindRecharging: {ChatID: cfg.Telegram.PanelChat},
	}, log.With(logx.String("comp", "notify")))

	trackCfg, err := trackerConfig(cfg)
	if err != nil {
		return nil, err
	}
	track := tracker.New(trackCfg, store, timers, notif, bus, log.With(logx.String("comp", "tracker")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: adapter,
		timers:  timers,
		notif:   notif,
		track:   track,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.runCancel != nil {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.updates = make(chan kit.Update, 256)
	if err := a.adapter.Start(rctx, a.updates); err != nil {
		cancel()
		a.runCancel = nil
		return err
	}

	a.timers.Start(rctx)
	if err := a.track.Start(rctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	// Escalate dropped reminder fires: for a recurring entry a dropped fire
	// is a silently skipped period. Error level reaches the ops chat sink.
	events, unsub := a.bus.Subscribe(32)
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		defer unsub()
		for {
			select {
			case <-rctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.EventFireDropped {
					d, _ := e.Data.(sched.FireDropped)
					a.log.Error("reminder fire dropped; schedule may be silently stalled",
						logx.String("entry", d.Name))
				}
			}
		}
	}()

	// Update loop: commands and acknowledgment taps.
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		for {
			select {
			case <-rctx.Done():
				return
			case up := <-a.updates:
				a.handleUpdate(rctx, up)
			}
		}
	}()

	// Config hot-reload: logging knobs apply live.
	sub := a.cfgm.Subscribe(2)
	a.runWG.Add(2)
	go func() {
		defer a.runWG.Done()
		_ = a.cfgm.Watch(rctx)
	}()
	go func() {
		defer a.runWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-rctx.Done():
				return
			case cfg, ok := <-sub:
				if !ok || cfg == nil {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
					Chat: logx.ChatConfig{
						Enabled:    cfg.Logging.Chat.Enabled,
						MinLevel:   cfg.Logging.Chat.MinLevel,
						RatePerSec: cfg.Logging.Chat.RatePerSec,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	_ = a.adapter.Stop(ctx)
	a.timers.Stop(ctx)
	a.runWG.Wait()
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return nil
}

func schedConfig(cfg *config.Config) (sched.Config, error) {
	d, err := config.ParseDurationOrDefault("sched.default_timeout", cfg.Sched.DefaultTimeout, 10*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Workers:        cfg.Sched.Workers,
		QueueSize:      cfg.Sched.QueueSize,
		DefaultTimeout: d,
	}, nil
}

func notifyConfig(cfg *config.Config) (notify.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("notify.send_timeout", cfg.Notify.SendTimeout, 5*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	ackTTL, err := config.ParseDurationOrDefault("notify.ack_ttl", cfg.Notify.AckTTL, 24*time.Hour)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		SendTimeout: sendTimeout,
		RatePerSec:  cfg.Notify.RatePerSec,
		AckTTL:      ackTTL,
	}, nil
}

func trackerConfig(cfg *config.Config) (tracker.Config, error) {
	profiles := resource.DefaultProfiles()
	if err := applyTiming(profiles, resource.KindGrowing, "tracker.plants", cfg.Tracker.Plants); err != nil {
		return tracker.Config{}, err
	}
	if err := applyTiming(profiles, resource.KindRecharging, "tracker.panels", cfg.Tracker.Panels); err != nil {
		return tracker.Config{}, err
	}

	reapEvery, err := config.ParseDurationOrDefault("tracker.reap.every", cfg.Tracker.Reap.Every, 24*time.Hour)
	if err != nil {
		return tracker.Config{}, err
	}
	retention, err := config.ParseDurationOrDefault("tracker.reap.retention", cfg.Tracker.Reap.Retention, 7*24*time.Hour)
	if err != nil {
		return tracker.Config{}, err
	}

	return tracker.Config{
		Profiles:  profiles,
		ReapEvery: reapEvery,
		Retention: retention,
	}, nil
}

func applyTiming(profiles map[resource.Kind]resource.Profile, kind resource.Kind, path string, tc config.TimingConfig) error {
	p := profiles[kind]
	var err error
	if p.FirstService, err = config.ParseDurationOrDefault(path+".first_reminder", tc.FirstReminder, p.FirstService); err != nil {
		return err
	}
	if p.SecondService, err = config.ParseDurationOrDefault(path+".second_reminder", tc.SecondReminder, p.SecondService); err != nil {
		return err
	}
	if p.CollectEvery, err = config.ParseDurationOrDefault(path+".collect_every", tc.CollectEvery, p.CollectEvery); err != nil {
		return err
	}
	if p.FirstService >= p.SecondService {
		return fmt.Errorf("%s: first_reminder must be earlier than second_reminder", path)
	}
	profiles[kind] = p
	return nil
}
