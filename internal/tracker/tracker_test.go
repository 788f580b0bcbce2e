package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tendbot/internal/notify"
	"tendbot/internal/resource"
	"tendbot/internal/sched"
	"tendbot/internal/storage"
	kit "tendbot/internal/transport"
	logx "tendbot/pkg/logx"
)

// fakeAdapter records every outbound transport call.
type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentMsg
	next  int
	fail  atomic.Bool
	edits []string
}

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  kit.SendOptions
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.fail.Load() {
		return kit.MessageRef{}, errors.New("transport down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: o})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.next}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error { return nil }

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeAdapter) lastSent() (sentMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMsg{}, false
	}
	return f.sent[len(f.sent)-1], true
}

// testProfiles compresses the lifecycle to millisecond scale.
func testProfiles(first, second, collect time.Duration) map[resource.Kind]resource.Profile {
	return map[resource.Kind]resource.Profile{
		resource.KindGrowing: {
			Kind:          resource.KindGrowing,
			FirstService:  first,
			SecondService: second,
			Noun:          "plant",
			ServiceVerb:   "fertilize",
			AckKey:        "ack:plant",
		},
		resource.KindRecharging: {
			Kind:          resource.KindRecharging,
			FirstService:  first,
			SecondService: second,
			CollectEvery:  collect,
			Noun:          "solar panel",
			ServiceVerb:   "repair",
			AckKey:        "ack:panel",
		},
	}
}

type fixture struct {
	store   storage.Store
	timers  *sched.Service
	adapter *fakeAdapter
	track   *Service
}

func newFixture(t *testing.T, profiles map[resource.Kind]resource.Profile) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	adapter := &fakeAdapter{}
	store := storage.NewMemory()
	timers := sched.New(sched.Config{Workers: 2, QueueSize: 64}, logx.Nop(), nil)
	timers.Start(ctx)

	notif := notify.New(notify.Config{RatePerSec: 1000}, adapter, map[resource.Kind]kit.ChatTarget{
		resource.KindGrowing:    {ChatID: 100},
		resource.KindRecharging: {ChatID: 200},
	}, logx.Nop())

	track := New(Config{
		Profiles:    profiles,
		ReapEvery:   time.Hour,
		FireTimeout: time.Second,
	}, store, timers, notif, nil, logx.Nop())
	if err := track.Start(ctx); err != nil {
		t.Fatalf("tracker start: %v", err)
	}

	t.Cleanup(func() {
		timers.Stop(context.Background())
		cancel()
	})
	return &fixture{store: store, timers: timers, adapter: adapter, track: track}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not reached in time")
	}
}

func TestServiceRemindersFireInOrder(t *testing.T) {
	fx := newFixture(t, testProfiles(30*time.Millisecond, 80*time.Millisecond, 0))
	ctx := context.Background()

	r, err := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field 2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.ID != 1 || r.Status != resource.StatusPlanted {
		t.Fatalf("created row: %+v", r)
	}

	waitFor(t, 2*time.Second, func() bool { return fx.adapter.sentCount() >= 2 })

	msg, _ := fx.adapter.lastSent()
	if msg.to.ChatID != 100 {
		t.Fatalf("sent to chat %d, want 100", msg.to.ChatID)
	}
	if len(msg.opt.Buttons) != 1 || msg.opt.Buttons[0].Data != "ack:plant" {
		t.Fatalf("service reminder should carry the plant ack button: %+v", msg.opt.Buttons)
	}

	// No further one-shots are pending.
	time.Sleep(150 * time.Millisecond)
	if n := fx.adapter.sentCount(); n != 2 {
		t.Fatalf("sent = %d, want exactly 2", n)
	}
}

func TestTerminalBeforeFireSuppressesAll(t *testing.T) {
	fx := newFixture(t, testProfiles(60*time.Millisecond, 120*time.Millisecond, 60*time.Millisecond))
	ctx := context.Background()

	r, err := fx.track.Create(ctx, resource.KindRecharging, 1, "alice", "roof")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fx.track.MarkTerminal(ctx, r.Kind, r.ID, "bob", "van"); err != nil {
		t.Fatalf("terminal: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if n := fx.adapter.sentCount(); n != 0 {
		t.Fatalf("dispatched %d notifications after terminal, want 0", n)
	}
}

func TestServicedSuppressesSecondReminderOnly(t *testing.T) {
	fx := newFixture(t, testProfiles(40*time.Millisecond, 200*time.Millisecond, 0))
	ctx := context.Background()

	r, _ := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field")

	// first reminder lands
	waitFor(t, 2*time.Second, func() bool { return fx.adapter.sentCount() >= 1 })

	// service between the two offsets
	if _, err := fx.track.MarkServiced(ctx, r.Kind, r.ID, "bob"); err != nil {
		t.Fatalf("serviced: %v", err)
	}

	time.Sleep(350 * time.Millisecond)
	if n := fx.adapter.sentCount(); n != 1 {
		t.Fatalf("sent = %d, want 1 (second reminder suppressed)", n)
	}
}

func TestCollectionRemindersRecurUntilTerminal(t *testing.T) {
	fx := newFixture(t, testProfiles(time.Hour, 2*time.Hour, 50*time.Millisecond))
	ctx := context.Background()

	r, _ := fx.track.Create(ctx, resource.KindRecharging, 1, "alice", "roof")

	waitFor(t, 3*time.Second, func() bool { return fx.adapter.sentCount() >= 3 })

	msg, _ := fx.adapter.lastSent()
	if msg.to.ChatID != 200 {
		t.Fatalf("sent to chat %d, want 200", msg.to.ChatID)
	}
	if len(msg.opt.Buttons) != 0 {
		t.Fatalf("collection reminder must not carry buttons: %+v", msg.opt.Buttons)
	}

	if _, err := fx.track.MarkTerminal(ctx, r.Kind, r.ID, "bob", "van"); err != nil {
		t.Fatalf("terminal: %v", err)
	}
	base := fx.adapter.sentCount()
	time.Sleep(250 * time.Millisecond)
	// Allow at most one in-flight fire that raced the cancel.
	if n := fx.adapter.sentCount(); n > base+1 {
		t.Fatalf("reminders kept firing after terminal: %d -> %d", base, n)
	}
}

func TestConcurrentMarkTerminalHasOneWinner(t *testing.T) {
	fx := newFixture(t, testProfiles(time.Hour, 2*time.Hour, 0))
	ctx := context.Background()

	r, _ := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field")

	const racers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := fx.track.MarkTerminal(ctx, r.Kind, r.ID, "racer", "car"); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, resource.ErrAlreadyTerminal) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestMarkServicedIsSingleShot(t *testing.T) {
	fx := newFixture(t, testProfiles(time.Hour, 2*time.Hour, 0))
	ctx := context.Background()

	r, _ := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field")

	first, err := fx.track.MarkServiced(ctx, r.Kind, r.ID, "bob")
	if err != nil {
		t.Fatalf("first service: %v", err)
	}
	if _, err := fx.track.MarkServiced(ctx, r.Kind, r.ID, "carol"); !errors.Is(err, resource.ErrAlreadyServiced) {
		t.Fatalf("second service err = %v, want ErrAlreadyServiced", err)
	}
	cur, _ := fx.store.Get(ctx, r.Kind, r.ID)
	if cur.ServicedBy != first.ServicedBy {
		t.Fatalf("service mark overwritten: %q -> %q", first.ServicedBy, cur.ServicedBy)
	}
}

func TestDispatchFailureDoesNotKillRecurring(t *testing.T) {
	fx := newFixture(t, testProfiles(time.Hour, 2*time.Hour, 40*time.Millisecond))
	ctx := context.Background()

	fx.adapter.fail.Store(true)
	_, _ = fx.track.Create(ctx, resource.KindRecharging, 1, "alice", "roof")

	time.Sleep(150 * time.Millisecond)
	if n := fx.adapter.sentCount(); n != 0 {
		t.Fatalf("sent = %d while transport failing", n)
	}

	// Transport recovers; the entry is still armed and fires next period.
	fx.adapter.fail.Store(false)
	waitFor(t, 2*time.Second, func() bool { return fx.adapter.sentCount() >= 1 })
}

func TestReapDeletesOldTerminalOnly(t *testing.T) {
	fx := newFixture(t, testProfiles(time.Hour, 2*time.Hour, 0))
	ctx := context.Background()

	old, _ := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field")
	fresh, _ := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field")
	live, _ := fx.track.Create(ctx, resource.KindGrowing, 1, "alice", "field")

	if _, err := fx.store.MarkTerminal(ctx, old.Kind, old.ID, "a", "car", time.Now().Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("terminal old: %v", err)
	}
	if _, err := fx.store.MarkTerminal(ctx, fresh.Kind, fresh.ID, "a", "car", time.Now()); err != nil {
		t.Fatalf("terminal fresh: %v", err)
	}

	if err := fx.track.reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	if _, err := fx.store.Get(ctx, old.Kind, old.ID); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("old terminal row survived reap (err=%v)", err)
	}
	if _, err := fx.store.Get(ctx, fresh.Kind, fresh.ID); err != nil {
		t.Fatalf("fresh terminal row reaped early: %v", err)
	}
	if _, err := fx.store.Get(ctx, live.Kind, live.ID); err != nil {
		t.Fatalf("active row reaped: %v", err)
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	fx := newFixture(t, testProfiles(time.Hour, 2*time.Hour, 0))
	if _, err := fx.track.Create(context.Background(), resource.Kind("rocket"), 1, "a", "x"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
