// Package notify turns reminder fires into outbound chat messages and
// observes the acknowledgment taps that come back.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"tendbot/internal/resource"
	kit "tendbot/internal/transport"
	logx "tendbot/pkg/logx"
)

// Kind is the semantic flavor of a notification.
type Kind string

const (
	// ServiceReminder asks the crew to fertilize/repair; carries an ack
	// affordance.
	ServiceReminder Kind = "service"
	// CollectionReady announces recurring output; no affordance.
	CollectionReady Kind = "collect"
)

type Config struct {
	SendTimeout time.Duration // bound on one transport call
	RatePerSec  int
	AckTTL      time.Duration // how long an ack affordance stays live
}

var ErrNoTarget = errors.New("no chat target configured for kind")

// Dispatch describes one outbound notification.
type Dispatch struct {
	Kind     Kind
	Resource resource.Resource
	Profile  resource.Profile
}

type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	cfg     Config
	limiter *rate.Limiter

	targets map[resource.Kind]kit.ChatTarget
	acks    *ackRegistry
}

func New(cfg Config, adapter kit.Adapter, targets map[resource.Kind]kit.ChatTarget, log logx.Logger) *Service {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.AckTTL <= 0 {
		cfg.AckTTL = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if targets == nil {
		targets = map[resource.Kind]kit.ChatTarget{}
	}
	return &Service{
		log:     log,
		adapter: adapter,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		targets: targets,
		acks:    newAckRegistry(cfg.AckTTL),
	}
}

// Send builds the message for d and hands it to the transport. The whole
// call (rate wait included) is bounded by the configured send timeout; this
// runs inside a scheduled-task execution slot and must not stall it.
func (s *Service) Send(ctx context.Context, d Dispatch) error {
	to, ok := s.targets[d.Resource.Kind]
	if !ok || to.ChatID == 0 {
		return fmt.Errorf("%w: %s", ErrNoTarget, d.Resource.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	text := messageText(d)
	opt := &kit.SendOptions{DisablePreview: true}
	if d.Kind == ServiceReminder {
		opt.Buttons = []kit.Button{{Text: ackButtonLabel(d.Profile), Data: d.Profile.AckKey}}
	}

	ref, err := s.adapter.SendText(ctx, to, text, opt)
	if err != nil {
		return err
	}

	if d.Kind == ServiceReminder {
		s.acks.put(ref, ackEntry{key: d.Profile.AckKey, ackedText: ackedText(d)})
	}
	s.log.Debug("notification sent",
		logx.String("kind", string(d.Kind)),
		logx.String("resource", d.Resource.Key()))
	return nil
}

// HandleCallback processes an incoming affordance tap.
//
// Unknown messages and mismatched affordance keys are ignored, not errors.
// Acknowledging twice is a no-op after the first: the message is edited to
// its acknowledged variant exactly once. Entity state is never touched here;
// the ack is a display-only convenience.
func (s *Service) HandleCallback(ctx context.Context, cb *kit.Callback) {
	if cb == nil {
		return
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}

	entry, ok := s.acks.match(ref, cb.Data)
	if !ok {
		return
	}
	if entry.acked {
		// already flipped; just dismiss the spinner
		_ = s.adapter.AnswerCallback(ctx, cb.ID, "Already handled")
		return
	}

	if err := s.adapter.EditText(ctx, ref, entry.ackedText, &kit.SendOptions{DisablePreview: true}); err != nil {
		s.log.Warn("ack edit failed", logx.Err(err))
		// leave the entry un-acked so a retry tap can still succeed
		s.acks.unack(ref)
		return
	}
	_ = s.adapter.AnswerCallback(ctx, cb.ID, "Done")
}

// Acked reports whether the notification behind ref has been acknowledged.
func (s *Service) Acked(ref kit.MessageRef) bool {
	return s.acks.acked(ref)
}
