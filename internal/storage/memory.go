package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tendbot/internal/resource"
)

// Memory is an in-process Store with the same CAS semantics as the sqlite
// driver. Contents are lost on restart; it exists for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	rows   map[string]resource.Resource
	nextID map[resource.Kind]int64
}

func NewMemory() *Memory {
	return &Memory{
		rows:   map[string]resource.Resource{},
		nextID: map[resource.Kind]int64{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Insert(ctx context.Context, r resource.Resource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID[r.Kind]++
	r.ID = m.nextID[r.Kind]
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.Status = resource.ActiveStatus(r.Kind)
	m.rows[r.Key()] = r
	return r.ID, nil
}

func (m *Memory) Get(ctx context.Context, kind resource.Kind, id int64) (resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[resource.Key(kind, id)]
	if !ok {
		return resource.Resource{}, resource.ErrNotFound
	}
	return r, nil
}

func (m *Memory) MarkServiced(ctx context.Context, kind resource.Kind, id int64, actor string, at time.Time) (resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resource.Key(kind, id)
	r, ok := m.rows[key]
	if !ok {
		return resource.Resource{}, resource.ErrNotFound
	}
	if r.Terminal() {
		return resource.Resource{}, resource.ErrAlreadyTerminal
	}
	if r.Serviced() {
		return resource.Resource{}, resource.ErrAlreadyServiced
	}
	if at.IsZero() {
		at = time.Now()
	}
	r.ServicedBy = actor
	r.ServicedAt = at
	m.rows[key] = r
	return r, nil
}

func (m *Memory) MarkTerminal(ctx context.Context, kind resource.Kind, id int64, actor, storageRef string, at time.Time) (resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resource.Key(kind, id)
	r, ok := m.rows[key]
	if !ok {
		return resource.Resource{}, resource.ErrNotFound
	}
	if r.Terminal() {
		return resource.Resource{}, resource.ErrAlreadyTerminal
	}
	if at.IsZero() {
		at = time.Now()
	}
	r.Status = resource.TerminalStatus(kind)
	r.TerminalBy = actor
	r.TerminalAt = at
	r.StorageRef = storageRef
	m.rows[key] = r
	return r, nil
}

func (m *Memory) ListActive(ctx context.Context, kind resource.Kind, limit int) ([]resource.Resource, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	var out []resource.Resource
	for _, r := range m.rows {
		if r.Kind == kind && !r.Terminal() {
			out = append(out, r)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, r := range m.rows {
		if r.Terminal() && r.TerminalAt.Before(cutoff) {
			delete(m.rows, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Recent(ctx context.Context, limit int) ([]resource.Activity, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	var out []resource.Activity
	for _, r := range m.rows {
		out = append(out, resource.Activity{Kind: r.Kind, Action: "placed", Actor: r.OwnerName, Location: r.Location, At: r.CreatedAt})
		if r.Serviced() {
			out = append(out, resource.Activity{Kind: r.Kind, Action: "serviced", Actor: r.ServicedBy, Location: r.Location, At: r.ServicedAt})
		}
		if r.Terminal() {
			out = append(out, resource.Activity{Kind: r.Kind, Action: "done", Actor: r.TerminalBy, Location: r.Location, At: r.TerminalAt})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
