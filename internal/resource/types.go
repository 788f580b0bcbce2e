package resource

import (
	"errors"
	"strconv"
	"time"
)

// Kind identifies the two tracked resource families.
//
// Growing resources (plants) mature once and are then harvested.
// Recharging resources (solar panels) produce output repeatedly until
// collected.
type Kind string

const (
	KindGrowing    Kind = "plant"
	KindRecharging Kind = "panel"
)

func (k Kind) Valid() bool {
	return k == KindGrowing || k == KindRecharging
}

// Status is kind-specific but shares one shape: exactly one non-terminal
// value and one terminal value per kind. Once terminal, a resource never
// goes back.
type Status string

const (
	StatusPlanted   Status = "planted"
	StatusHarvested Status = "harvested"
	StatusActive    Status = "active"
	StatusCollected Status = "collected"
)

// ActiveStatus returns the non-terminal status for a kind.
func ActiveStatus(k Kind) Status {
	if k == KindGrowing {
		return StatusPlanted
	}
	return StatusActive
}

// TerminalStatus returns the terminal status for a kind.
func TerminalStatus(k Kind) Status {
	if k == KindGrowing {
		return StatusHarvested
	}
	return StatusCollected
}

// Resource is one placed, tracked resource.
//
// Invariants (enforced by the store's CAS updates):
//   - TerminalAt is set iff Status is terminal.
//   - ServicedBy/ServicedAt are set at most once, only while non-terminal,
//     and are never cleared.
type Resource struct {
	ID        int64
	Kind      Kind
	OwnerID   int64
	OwnerName string
	Location  string
	CreatedAt time.Time

	Status Status

	// Service mark (fertilized / repaired).
	ServicedBy string
	ServicedAt time.Time

	// Terminal transition (harvested / collected).
	TerminalBy string
	TerminalAt time.Time
	StorageRef string
}

func (r Resource) Terminal() bool {
	return r.Status == TerminalStatus(r.Kind)
}

func (r Resource) Serviced() bool {
	return r.ServicedBy != ""
}

// Key returns the stable per-process identifier string, e.g. "plant:12".
// IDs are only unique within a kind.
func (r Resource) Key() string {
	return Key(r.Kind, r.ID)
}

func Key(k Kind, id int64) string {
	return string(k) + ":" + strconv.FormatInt(id, 10)
}

// Activity is one row of the recent-actions log.
type Activity struct {
	Kind     Kind
	Action   string // "placed", "serviced", "done"
	Actor    string
	Location string
	At       time.Time
}

var (
	// ErrNotFound reports an unknown (kind, id) pair.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyTerminal reports a CAS precondition failure: the resource
	// already reached its terminal status.
	ErrAlreadyTerminal = errors.New("resource already in terminal status")

	// ErrAlreadyServiced reports a repeated service mark. The first mark
	// stands; the caller should treat this as a no-op, not a failure.
	ErrAlreadyServiced = errors.New("resource already serviced")
)
