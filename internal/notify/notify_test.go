package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tendbot/internal/resource"
	kit "tendbot/internal/transport"
	logx "tendbot/pkg/logx"
)

type recAdapter struct {
	mu      sync.Mutex
	sends   []string
	buttons [][]kit.Button
	edits   []string
	answers []string
	editErr error
	nextID  int
	lastRef kit.MessageRef
}

func (a *recAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *recAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *recAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.sends = append(a.sends, text)
	if opt != nil {
		a.buttons = append(a.buttons, opt.Buttons)
	} else {
		a.buttons = append(a.buttons, nil)
	}
	a.lastRef = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: a.nextID}
	return a.lastRef, nil
}

func (a *recAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.editErr != nil {
		return a.editErr
	}
	a.edits = append(a.edits, text)
	return nil
}

func (a *recAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func newTestNotify(t *testing.T) (*Service, *recAdapter) {
	t.Helper()
	a := &recAdapter{}
	s := New(Config{RatePerSec: 1000}, a, map[resource.Kind]kit.ChatTarget{
		resource.KindGrowing:    {ChatID: 100},
		resource.KindRecharging: {ChatID: 200},
	}, logx.Nop())
	return s, a
}

func plantDispatch(kind Kind) Dispatch {
	profiles := resource.DefaultProfiles()
	return Dispatch{
		Kind:     kind,
		Resource: resource.Resource{Kind: resource.KindGrowing, ID: 7, OwnerName: "alice", Location: "field", Status: resource.StatusPlanted},
		Profile:  profiles[resource.KindGrowing],
	}
}

func TestSendServiceReminderCarriesAffordance(t *testing.T) {
	s, a := newTestNotify(t)
	if err := s.Send(context.Background(), plantDispatch(ServiceReminder)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.sends) != 1 {
		t.Fatalf("sends = %d", len(a.sends))
	}
	if !strings.Contains(a.sends[0], "/fertilize 7") {
		t.Fatalf("text missing command hint: %q", a.sends[0])
	}
	if len(a.buttons[0]) != 1 || a.buttons[0][0].Data != "ack:plant" {
		t.Fatalf("buttons = %+v", a.buttons[0])
	}
}

func TestSendCollectionReadyHasNoAffordance(t *testing.T) {
	s, a := newTestNotify(t)
	profiles := resource.DefaultProfiles()
	err := s.Send(context.Background(), Dispatch{
		Kind:     CollectionReady,
		Resource: resource.Resource{Kind: resource.KindRecharging, ID: 3, OwnerName: "bob", Location: "roof", Status: resource.StatusActive},
		Profile:  profiles[resource.KindRecharging],
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.buttons[0]) != 0 {
		t.Fatalf("collection message carries buttons: %+v", a.buttons[0])
	}

	// A tap on a message with no registered affordance is ignored.
	s.HandleCallback(context.Background(), &kit.Callback{
		ID: "cb1", ChatID: a.lastRef.ChatID, MessageID: a.lastRef.MessageID, Data: "ack:panel",
	})
	if len(a.edits) != 0 || len(a.answers) != 0 {
		t.Fatalf("ignored tap produced effects: edits=%v answers=%v", a.edits, a.answers)
	}
}

func TestCallbackAcksExactlyOnce(t *testing.T) {
	s, a := newTestNotify(t)
	_ = s.Send(context.Background(), plantDispatch(ServiceReminder))
	ref := a.lastRef

	cb := &kit.Callback{ID: "cb1", ChatID: ref.ChatID, MessageID: ref.MessageID, Data: "ack:plant"}
	s.HandleCallback(context.Background(), cb)

	if len(a.edits) != 1 || !strings.Contains(a.edits[0], "Handled") {
		t.Fatalf("edits = %v", a.edits)
	}
	if !s.Acked(ref) {
		t.Fatal("message not marked acked")
	}

	// Second tap edits nothing, only dismisses.
	s.HandleCallback(context.Background(), cb)
	if len(a.edits) != 1 {
		t.Fatalf("second tap edited again: %v", a.edits)
	}
	if len(a.answers) != 2 || a.answers[1] != "Already handled" {
		t.Fatalf("answers = %v", a.answers)
	}
}

func TestCallbackWrongKeyIgnored(t *testing.T) {
	s, a := newTestNotify(t)
	_ = s.Send(context.Background(), plantDispatch(ServiceReminder))
	ref := a.lastRef

	s.HandleCallback(context.Background(), &kit.Callback{
		ID: "cb1", ChatID: ref.ChatID, MessageID: ref.MessageID, Data: "ack:panel",
	})
	if len(a.edits) != 0 {
		t.Fatalf("cross-kind key was accepted: %v", a.edits)
	}
	if s.Acked(ref) {
		t.Fatal("message acked by wrong key")
	}
}

func TestCallbackEditFailureAllowsRetry(t *testing.T) {
	s, a := newTestNotify(t)
	_ = s.Send(context.Background(), plantDispatch(ServiceReminder))
	ref := a.lastRef
	cb := &kit.Callback{ID: "cb1", ChatID: ref.ChatID, MessageID: ref.MessageID, Data: "ack:plant"}

	a.editErr = errors.New("edit rejected")
	s.HandleCallback(context.Background(), cb)
	if s.Acked(ref) {
		t.Fatal("failed edit left message acked")
	}

	a.editErr = nil
	s.HandleCallback(context.Background(), cb)
	if len(a.edits) != 1 || !s.Acked(ref) {
		t.Fatalf("retry tap did not complete the ack: edits=%v acked=%v", a.edits, s.Acked(ref))
	}
}

func TestSendNoTargetFails(t *testing.T) {
	a := &recAdapter{}
	s := New(Config{}, a, nil, logx.Nop())
	if err := s.Send(context.Background(), plantDispatch(ServiceReminder)); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("err = %v, want ErrNoTarget", err)
	}
}
