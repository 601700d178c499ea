package db_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"consultline.local/projects/engine/internal/db"
	"consultline.local/projects/engine/internal/directory"
	"consultline.local/projects/engine/internal/ledger"
)

func TestOpenGormRejectsUnknownDriver(t *testing.T) {
	if _, err := db.OpenGorm("oracle", "dsn"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

// Both durable stores run on one handle in production; writes through one
// must not lock the other out of the same sqlite file.
func TestStoresShareOneHandle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	gormDB, err := db.OpenGorm("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ledgerStore, err := ledger.NewGormStoreWithDB(gormDB, "platform", decimal.RequireFromString("0.55"))
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	directoryStore, err := directory.NewGormStoreWithDB(gormDB)
	if err != nil {
		t.Fatalf("directory store: %v", err)
	}
	defer func() { _ = directoryStore.Close() }()

	ctx := context.Background()
	for id, kind := range map[string]ledger.AccountKind{
		"platform": ledger.AccountPlatform,
		"cust_1":   ledger.AccountCustomer,
		"prov_1":   ledger.AccountProvider,
	} {
		if _, err := ledgerStore.CreateAccount(ctx, id, kind); err != nil {
			t.Fatalf("create account %s: %v", id, err)
		}
	}
	if _, err := ledgerStore.Deposit(ctx, "cust_1", decimal.RequireFromString("10.00"), ledger.KindTopup); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	price := decimal.RequireFromString("1.00")
	if _, err := directoryStore.Create(ctx, directory.Record{
		SessionID:  "sess_1",
		CustomerID: "cust_1",
		ProviderID: "prov_1",
		Mode:       directory.ModeVoice,
		UnitPrice:  &price,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := directoryStore.MarkStarted(ctx, "sess_1", time.Now().UTC()); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if _, err := ledgerStore.ChargeSplit(ctx, "sess_1", "cust_1", "prov_1", price); err != nil {
		t.Fatalf("charge split: %v", err)
	}

	open, err := directoryStore.OpenSessions(ctx)
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	if len(open) != 1 || open[0].SessionID != "sess_1" {
		t.Fatalf("unexpected open sessions: %+v", open)
	}
	txs, err := ledgerStore.SessionTransactions(ctx, "sess_1")
	if err != nil {
		t.Fatalf("session transactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected three rows for the charge, got %d", len(txs))
	}
}
