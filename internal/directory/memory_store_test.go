package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testRecord(sessionID string, mode Mode) Record {
	price := decimal.RequireFromString("1.50")
	return Record{
		SessionID:  sessionID,
		CustomerID: "cust_1",
		ProviderID: "prov_1",
		Mode:       mode,
		UnitPrice:  &price,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	rec, err := store.Create(ctx, testRecord("sess_1", ModeVoice))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Status != StatusAccepted {
		t.Fatalf("expected accepted status, got %s", rec.Status)
	}
	if rec.StartedAt != nil || rec.EndedAt != nil {
		t.Fatalf("expected nil timestamps on creation")
	}

	if _, err := store.Create(ctx, testRecord("sess_1", ModeVoice)); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	rec, err = store.MarkStarted(ctx, "sess_1", first)
	if err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if rec.Status != StatusActive || rec.StartedAt == nil || !rec.StartedAt.Equal(first) {
		t.Fatalf("unexpected record after start: %+v", rec)
	}

	// a duplicate start from a reconnection race keeps the first timestamp
	rec, err = store.MarkStarted(ctx, "sess_1", first.Add(time.Minute))
	if err != nil {
		t.Fatalf("duplicate mark started: %v", err)
	}
	if !rec.StartedAt.Equal(first) {
		t.Fatalf("StartedAt was overwritten: %v", rec.StartedAt)
	}

	rec, err = store.MarkEnded(ctx, "sess_1", EndReasonExplicit, first.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("mark ended: %v", err)
	}
	if rec.Status != StatusEnded || rec.EndReason != EndReasonExplicit || rec.EndedAt == nil {
		t.Fatalf("unexpected record after end: %+v", rec)
	}

	if _, err := store.MarkEnded(ctx, "sess_1", EndReasonAbandoned, first.Add(6*time.Minute)); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded on second end, got %v", err)
	}
	if _, err := store.MarkStarted(ctx, "sess_1", first); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded on start after end, got %v", err)
	}

	loaded, err := store.Get(ctx, "sess_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.EndReason != EndReasonExplicit {
		t.Fatalf("end reason mutated after second end attempt: %s", loaded.EndReason)
	}
}

func TestMemoryStoreReopen(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	rec := testRecord("sess_1", ModeVideo)
	rec.Prepaid = true
	rec.BookedMinutes = 30
	if _, err := store.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Reopen(ctx, "sess_1"); !errors.Is(err, ErrNotEnded) {
		t.Fatalf("expected ErrNotEnded for non-ended session, got %v", err)
	}

	now := time.Now().UTC()
	if _, err := store.MarkStarted(ctx, "sess_1", now); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if _, err := store.MarkEnded(ctx, "sess_1", EndReasonAbandoned, now.Add(time.Minute)); err != nil {
		t.Fatalf("mark ended: %v", err)
	}

	reopened, err := store.Reopen(ctx, "sess_1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != StatusActive || reopened.EndedAt != nil || reopened.EndReason != "" {
		t.Fatalf("unexpected record after reopen: %+v", reopened)
	}
	if reopened.StartedAt == nil {
		t.Fatalf("reopen must keep StartedAt")
	}
}

func TestMemoryStoreProviderQueries(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	if _, err := store.Create(ctx, testRecord("sess_1", ModeChat)); err != nil {
		t.Fatalf("create sess_1: %v", err)
	}
	other := testRecord("sess_2", ModeChat)
	other.CustomerID = "cust_2"
	if _, err := store.Create(ctx, other); err != nil {
		t.Fatalf("create sess_2: %v", err)
	}

	now := time.Now().UTC()
	if _, err := store.MarkStarted(ctx, "sess_1", now); err != nil {
		t.Fatalf("start sess_1: %v", err)
	}
	if _, err := store.MarkStarted(ctx, "sess_2", now); err != nil {
		t.Fatalf("start sess_2: %v", err)
	}

	busy, err := store.ProviderHasActiveSession(ctx, "prov_1", "sess_1")
	if err != nil {
		t.Fatalf("provider active lookup: %v", err)
	}
	if !busy {
		t.Fatalf("expected other active session for provider")
	}

	if _, err := store.MarkEnded(ctx, "sess_2", EndReasonExplicit, now.Add(time.Minute)); err != nil {
		t.Fatalf("end sess_2: %v", err)
	}
	busy, err = store.ProviderHasActiveSession(ctx, "prov_1", "sess_1")
	if err != nil {
		t.Fatalf("provider active lookup: %v", err)
	}
	if busy {
		t.Fatalf("expected no other active session after end")
	}

	if err := store.SetProviderBusy(ctx, "prov_1", true); err != nil {
		t.Fatalf("set busy: %v", err)
	}
	flagged, err := store.ProviderBusy(ctx, "prov_1")
	if err != nil {
		t.Fatalf("busy lookup: %v", err)
	}
	if !flagged {
		t.Fatalf("expected provider flagged busy")
	}

	active, err := store.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 || active[0].SessionID != "sess_1" {
		t.Fatalf("unexpected active sessions: %+v", active)
	}
}

func TestMemoryStoreOpenSessions(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	accepted := testRecord("sess_accepted", ModeChat)
	if _, err := store.Create(ctx, accepted); err != nil {
		t.Fatalf("create accepted: %v", err)
	}
	active := testRecord("sess_active", ModeVoice)
	active.CustomerID = "cust_2"
	if _, err := store.Create(ctx, active); err != nil {
		t.Fatalf("create active: %v", err)
	}
	ended := testRecord("sess_ended", ModeVoice)
	ended.CustomerID = "cust_3"
	if _, err := store.Create(ctx, ended); err != nil {
		t.Fatalf("create ended: %v", err)
	}

	now := time.Now().UTC()
	if _, err := store.MarkStarted(ctx, "sess_active", now); err != nil {
		t.Fatalf("start sess_active: %v", err)
	}
	if _, err := store.MarkStarted(ctx, "sess_ended", now); err != nil {
		t.Fatalf("start sess_ended: %v", err)
	}
	if _, err := store.MarkEnded(ctx, "sess_ended", EndReasonExplicit, now.Add(time.Minute)); err != nil {
		t.Fatalf("end sess_ended: %v", err)
	}

	open, err := store.OpenSessions(ctx)
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected accepted and active records, got %+v", open)
	}
	for _, rec := range open {
		if rec.Status == StatusEnded {
			t.Fatalf("ended session leaked into open set: %+v", rec)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	rec := testRecord("sess_1", Mode("fax"))
	if _, err := store.Create(ctx, rec); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}

	rec = testRecord("sess_2", ModeChat)
	rec.ProviderID = rec.CustomerID
	if _, err := store.Create(ctx, rec); err == nil {
		t.Fatalf("expected error for identical participants")
	}

	rec = testRecord("sess_3", ModeVoice)
	rec.Prepaid = true
	if _, err := store.Create(ctx, rec); err == nil {
		t.Fatalf("expected error for prepaid without booked minutes")
	}
}
