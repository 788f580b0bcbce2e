package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tendbot/internal/resource"
	logx "tendbot/pkg/logx"
)

func openTestDB(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestDB(t)
	ctx := context.Background()

	id, err := st.Insert(ctx, resource.Resource{
		Kind:      resource.KindGrowing,
		OwnerID:   42,
		OwnerName: "alice",
		Location:  "greenhouse 3",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	r, err := st.Get(ctx, resource.KindGrowing, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.OwnerName != "alice" || r.Location != "greenhouse 3" || r.OwnerID != 42 {
		t.Fatalf("row mismatch: %+v", r)
	}
	if r.Status != resource.StatusPlanted || r.Terminal() {
		t.Fatalf("fresh row status = %s", r.Status)
	}
	if r.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not persisted")
	}

	if _, err := st.Get(ctx, resource.KindGrowing, 999); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("missing row err = %v, want ErrNotFound", err)
	}
}

func TestSQLitePerKindIDs(t *testing.T) {
	t.Parallel()
	st := openTestDB(t)
	ctx := context.Background()

	p1, _ := st.Insert(ctx, resource.Resource{Kind: resource.KindGrowing, OwnerName: "a", Location: "x"})
	s1, _ := st.Insert(ctx, resource.Resource{Kind: resource.KindRecharging, OwnerName: "a", Location: "x"})
	p2, _ := st.Insert(ctx, resource.Resource{Kind: resource.KindGrowing, OwnerName: "a", Location: "x"})

	if p1 != 1 || p2 != 2 || s1 != 1 {
		t.Fatalf("ids = plant %d,%d panel %d; want 1,2 and 1", p1, p2, s1)
	}
}

func TestSQLiteCASLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestDB(t)
	ctx := context.Background()
	id, _ := st.Insert(ctx, resource.Resource{Kind: resource.KindRecharging, OwnerName: "a", Location: "roof"})

	r, err := st.MarkServiced(ctx, resource.KindRecharging, id, "bob", time.Now())
	if err != nil {
		t.Fatalf("MarkServiced: %v", err)
	}
	if !r.Serviced() || r.ServicedBy != "bob" {
		t.Fatalf("service mark missing: %+v", r)
	}
	if _, err := st.MarkServiced(ctx, resource.KindRecharging, id, "carol", time.Now()); !errors.Is(err, resource.ErrAlreadyServiced) {
		t.Fatalf("repeat MarkServiced err = %v, want ErrAlreadyServiced", err)
	}

	r, err = st.MarkTerminal(ctx, resource.KindRecharging, id, "dave", "van", time.Now())
	if err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	if !r.Terminal() || r.TerminalBy != "dave" || r.StorageRef != "van" || r.TerminalAt.IsZero() {
		t.Fatalf("terminal fields wrong: %+v", r)
	}

	if _, err := st.MarkTerminal(ctx, resource.KindRecharging, id, "late", "car", time.Now()); !errors.Is(err, resource.ErrAlreadyTerminal) {
		t.Fatalf("repeat MarkTerminal err = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := st.MarkServiced(ctx, resource.KindRecharging, id, "late", time.Now()); !errors.Is(err, resource.ErrAlreadyTerminal) {
		t.Fatalf("MarkServiced after terminal err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestSQLiteListActiveAndReap(t *testing.T) {
	t.Parallel()
	st := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = st.Insert(ctx, resource.Resource{
			Kind:      resource.KindGrowing,
			OwnerName: "a",
			Location:  "x",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		})
	}
	if _, err := st.MarkTerminal(ctx, resource.KindGrowing, 1, "a", "car", time.Now().Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}

	out, err := st.ListActive(ctx, resource.KindGrowing, 10)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("active = %d, want 2", len(out))
	}
	if out[0].ID != 3 {
		t.Fatalf("newest first: got id %d", out[0].ID)
	}

	n, err := st.DeleteTerminalBefore(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if _, err := st.Get(ctx, resource.KindGrowing, 1); !errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("reaped row still present (err=%v)", err)
	}
}

func TestSQLiteRecent(t *testing.T) {
	t.Parallel()
	st := openTestDB(t)
	ctx := context.Background()

	id, _ := st.Insert(ctx, resource.Resource{Kind: resource.KindGrowing, OwnerName: "alice", Location: "x"})
	_, _ = st.MarkServiced(ctx, resource.KindGrowing, id, "bob", time.Now().Add(time.Second))

	acts, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(acts) != 2 {
		t.Fatalf("len = %d, want 2", len(acts))
	}
	if acts[0].Action != "serviced" || acts[0].Actor != "bob" {
		t.Fatalf("newest activity = %+v, want serviced by bob", acts[0])
	}
}
