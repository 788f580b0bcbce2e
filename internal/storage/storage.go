// Package storage is the durable record of tracked resources: the only
// source of truth for "is this resource still active".
//
// Every status mutation is a single compare-and-set statement keyed by
// (kind, id), so two concurrent terminal transitions on the same resource
// resolve to exactly one winner.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tendbot/internal/resource"
	logx "tendbot/pkg/logx"
)

// Config selects and configures the store driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence contract consumed by the tracker.
//
// MarkServiced and MarkTerminal return the post-update row on success and
// one of the resource sentinel errors (ErrNotFound, ErrAlreadyTerminal,
// ErrAlreadyServiced) when the CAS precondition fails.
type Store interface {
	Insert(ctx context.Context, r resource.Resource) (int64, error)
	Get(ctx context.Context, kind resource.Kind, id int64) (resource.Resource, error)
	MarkServiced(ctx context.Context, kind resource.Kind, id int64, actor string, at time.Time) (resource.Resource, error)
	MarkTerminal(ctx context.Context, kind resource.Kind, id int64, actor, storageRef string, at time.Time) (resource.Resource, error)
	ListActive(ctx context.Context, kind resource.Kind, limit int) ([]resource.Resource, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Recent(ctx context.Context, limit int) ([]resource.Activity, error)
	Close() error
}

// Open initializes the configured store. The default driver is sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
