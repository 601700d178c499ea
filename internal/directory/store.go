// Package directory is the durable record of every accepted interaction:
// who participates, in which mode, and its lifecycle timestamps. Records
// are never deleted; an ended record is immutable except through Reopen,
// which exists solely for the calendar re-entry window.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateSession = errors.New("session already exists")
	ErrSessionEnded     = errors.New("session already ended")
	ErrNotEnded         = errors.New("session is not ended")
)

type Mode string

const (
	ModeChat  Mode = "chat"
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
)

// IsCall reports whether the mode bills on the metering clock rather than
// per message.
func (m Mode) IsCall() bool {
	return m == ModeVoice || m == ModeVideo
}

func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeVoice, ModeVideo:
		return true
	}
	return false
}

type Status string

const (
	StatusAccepted Status = "accepted"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
)

type EndReason string

const (
	EndReasonExplicit            EndReason = "explicit_end"
	EndReasonInsufficientCredits EndReason = "insufficient_credits"
	EndReasonAbandoned           EndReason = "abandoned"
)

type Record struct {
	SessionID  string
	CustomerID string
	ProviderID string
	Mode       Mode
	Status     Status

	// UnitPrice is the provider's price override for this session; nil
	// falls back to the platform default at charge time.
	UnitPrice *decimal.Decimal

	// Prepaid marks a calendar booking whose gross was held up front and
	// is settled once at session start.
	Prepaid       bool
	BookedMinutes int

	StartedAt *time.Time
	EndedAt   *time.Time
	EndReason EndReason

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Store interface {
	Create(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, sessionID string) (Record, error)

	// MarkStarted moves a session to active and stamps StartedAt once.
	// Duplicate calls (reconnection races) keep the first timestamp.
	MarkStarted(ctx context.Context, sessionID string, at time.Time) (Record, error)

	// MarkEnded is first-wins: a second call returns ErrSessionEnded and
	// changes nothing.
	MarkEnded(ctx context.Context, sessionID string, reason EndReason, at time.Time) (Record, error)

	// Reopen flips an ended session back to active. Callers gate this
	// behind the calendar re-entry window check; it is never part of the
	// normal lifecycle.
	Reopen(ctx context.Context, sessionID string) (Record, error)

	ActiveSessions(ctx context.Context) ([]Record, error)

	// OpenSessions returns every record not yet ended, accepted and active
	// alike. Restart recovery uses it so accepted handoffs that survived a
	// process stop are reaped by the monitor instead of lingering forever.
	OpenSessions(ctx context.Context) ([]Record, error)
	ProviderHasActiveSession(ctx context.Context, providerID, excludeSessionID string) (bool, error)
	SetProviderBusy(ctx context.Context, providerID string, busy bool) error
	ProviderBusy(ctx context.Context, providerID string) (bool, error)
	Close() error
}

func validateRecord(rec Record) error {
	if strings.TrimSpace(rec.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(rec.CustomerID) == "" {
		return fmt.Errorf("customer_id is required")
	}
	if strings.TrimSpace(rec.ProviderID) == "" {
		return fmt.Errorf("provider_id is required")
	}
	if rec.CustomerID == rec.ProviderID {
		return fmt.Errorf("customer and provider must differ")
	}
	if !rec.Mode.Valid() {
		return fmt.Errorf("unsupported mode %q", rec.Mode)
	}
	if rec.Prepaid && rec.BookedMinutes <= 0 {
		return fmt.Errorf("prepaid session requires booked_minutes > 0")
	}
	return nil
}

func centsToDecimal(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func newRecord(rec Record, now time.Time) Record {
	rec.Status = StatusAccepted
	rec.StartedAt = nil
	rec.EndedAt = nil
	rec.EndReason = ""
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec
}
