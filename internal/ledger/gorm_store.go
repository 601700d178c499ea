package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "consultline.local/projects/engine/internal/db"
)

type accountRow struct {
	ID           string `gorm:"primaryKey"`
	Kind         string
	BalanceCents int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (accountRow) TableName() string { return "accounts" }

type transactionRow struct {
	ID            string `gorm:"primaryKey"`
	AccountID     string `gorm:"index"`
	AmountCents   int64
	Kind          string `gorm:"index"`
	SessionID     string `gorm:"index"`
	CounterpartID string
	CreatedAt     time.Time
}

func (transactionRow) TableName() string { return "ledger_transactions" }

func (r accountRow) toAccount() Account {
	return Account{
		ID:        r.ID,
		Kind:      AccountKind(r.Kind),
		Balance:   fromCents(r.BalanceCents),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r transactionRow) toTransaction() Transaction {
	return Transaction{
		ID:            r.ID,
		AccountID:     r.AccountID,
		Amount:        fromCents(r.AmountCents),
		Kind:          Kind(r.Kind),
		SessionID:     r.SessionID,
		CounterpartID: r.CounterpartID,
		CreatedAt:     r.CreatedAt,
	}
}

type GormStore struct {
	db                *gorm.DB
	providerRate      decimal.Decimal
	platformAccountID string
}

func NewGormStore(driver, dsn, platformAccountID string, providerRate decimal.Decimal) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	return NewGormStoreWithDB(gormDB, platformAccountID, providerRate)
}

// NewGormStoreWithDB wraps an already-open handle so multiple stores can
// share one connection pool. sqlite in particular locks up under two
// independent writers on the same file.
func NewGormStoreWithDB(gormDB *gorm.DB, platformAccountID string, providerRate decimal.Decimal) (*GormStore, error) {
	store := &GormStore{db: gormDB, providerRate: providerRate, platformAccountID: platformAccountID}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&accountRow{}, &transactionRow{})
}

func (s *GormStore) CreateAccount(ctx context.Context, id string, kind AccountKind) (Account, error) {
	now := time.Now().UTC()
	row := accountRow{ID: id, Kind: string(kind), BalanceCents: 0, CreatedAt: now, UpdatedAt: now}

	var existing accountRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&existing).Error
	if err == nil {
		return Account{}, ErrDuplicateAccount
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return row.toAccount(), nil
}

func (s *GormStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return row.toAccount(), nil
}

func (s *GormStore) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, kind Kind) (Account, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}
	switch kind {
	case KindTopup, KindBonus, KindRefund:
	default:
		return Account{}, fmt.Errorf("deposit kind %q: %w", kind, ErrInvalidAmount)
	}

	var out Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := creditAccount(tx, accountID, toCents(amount), now); err != nil {
			return err
		}
		row := transactionRow{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			AmountCents: toCents(amount),
			Kind:        string(kind),
			CreatedAt:   now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create deposit row: %w", err)
		}
		var updated accountRow
		if err := tx.Where("id = ?", accountID).Take(&updated).Error; err != nil {
			return fmt.Errorf("read account: %w", err)
		}
		out = updated.toAccount()
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return out, nil
}

func (s *GormStore) ChargeSplit(ctx context.Context, sessionID, customerID, providerID string, gross decimal.Decimal) (ChargeResult, error) {
	gross = gross.Round(2)
	if !gross.IsPositive() {
		return ChargeResult{}, ErrInvalidAmount
	}

	var out ChargeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := debitIfCovered(tx, customerID, toCents(gross), now); err != nil {
			return err
		}
		result, err := s.creditShares(tx, sessionID, customerID, providerID, gross, now)
		if err != nil {
			return err
		}
		debit := transactionRow{
			ID:            uuid.NewString(),
			AccountID:     customerID,
			AmountCents:   -toCents(gross),
			Kind:          string(KindUsageDebit),
			SessionID:     sessionID,
			CounterpartID: providerID,
			CreatedAt:     now,
		}
		if err := tx.Create(&debit).Error; err != nil {
			return fmt.Errorf("create debit row: %w", err)
		}
		out = result
		return nil
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return out, nil
}

func (s *GormStore) HoldForBooking(ctx context.Context, sessionID, customerID string, gross decimal.Decimal) error {
	gross = gross.Round(2)
	if !gross.IsPositive() {
		return ErrInvalidAmount
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := debitIfCovered(tx, customerID, toCents(gross), now); err != nil {
			return err
		}
		row := transactionRow{
			ID:          uuid.NewString(),
			AccountID:   customerID,
			AmountCents: -toCents(gross),
			Kind:        string(KindBookingHold),
			SessionID:   sessionID,
			CreatedAt:   now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create hold row: %w", err)
		}
		return nil
	})
}

func (s *GormStore) SettleBookingHold(ctx context.Context, sessionID, customerID, providerID string) (ChargeResult, error) {
	var out ChargeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var settled int64
		if err := tx.Model(&transactionRow{}).
			Where("session_id = ? AND kind = ?", sessionID, string(KindProviderEarning)).
			Count(&settled).Error; err != nil {
			return fmt.Errorf("settlement lookup: %w", err)
		}
		if settled > 0 {
			// settling twice would double-pay the provider
			return ErrHoldNotFound
		}

		var hold transactionRow
		err := tx.Where("session_id = ? AND account_id = ? AND kind = ?", sessionID, customerID, string(KindBookingHold)).
			Take(&hold).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHoldNotFound
			}
			return fmt.Errorf("hold lookup: %w", err)
		}

		result, err := s.creditShares(tx, sessionID, customerID, providerID, fromCents(-hold.AmountCents), time.Now().UTC())
		if err != nil {
			return err
		}
		out = result
		return nil
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return out, nil
}

// creditShares credits the provider and platform shares of gross and
// writes their two transaction rows. The customer debit (tick charge or
// booking hold) is recorded by the caller.
func (s *GormStore) creditShares(tx *gorm.DB, sessionID, customerID, providerID string, gross decimal.Decimal, now time.Time) (ChargeResult, error) {
	providerShare, platformShare := ComputeSplit(gross, s.providerRate)

	if err := creditAccount(tx, providerID, toCents(providerShare), now); err != nil {
		return ChargeResult{}, err
	}
	if err := creditAccount(tx, s.platformAccountID, toCents(platformShare), now); err != nil {
		return ChargeResult{}, err
	}

	rows := []transactionRow{
		{
			ID:            uuid.NewString(),
			AccountID:     providerID,
			AmountCents:   toCents(providerShare),
			Kind:          string(KindProviderEarning),
			SessionID:     sessionID,
			CounterpartID: customerID,
			CreatedAt:     now,
		},
		{
			ID:            uuid.NewString(),
			AccountID:     s.platformAccountID,
			AmountCents:   toCents(platformShare),
			Kind:          string(KindPlatformCommission),
			SessionID:     sessionID,
			CounterpartID: customerID,
			CreatedAt:     now,
		},
	}
	if err := tx.Create(&rows).Error; err != nil {
		return ChargeResult{}, fmt.Errorf("create credit rows: %w", err)
	}

	var customer, provider accountRow
	if err := tx.Where("id = ?", customerID).Take(&customer).Error; err != nil {
		return ChargeResult{}, fmt.Errorf("read customer: %w", err)
	}
	if err := tx.Where("id = ?", providerID).Take(&provider).Error; err != nil {
		return ChargeResult{}, fmt.Errorf("read provider: %w", err)
	}

	return ChargeResult{
		Gross:           gross,
		ProviderShare:   providerShare,
		PlatformShare:   platformShare,
		CustomerBalance: fromCents(customer.BalanceCents),
		ProviderBalance: fromCents(provider.BalanceCents),
	}, nil
}

// debitIfCovered is the atomic check-then-decrement: the balance guard and
// the decrement execute as one UPDATE, so concurrent charges against the
// same account serialize at the database.
func debitIfCovered(tx *gorm.DB, accountID string, cents int64, now time.Time) error {
	res := tx.Model(&accountRow{}).
		Where("id = ? AND balance_cents >= ?", accountID, cents).
		Updates(map[string]any{
			"balance_cents": gorm.Expr("balance_cents - ?", cents),
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("debit account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := tx.Model(&accountRow{}).Where("id = ?", accountID).Count(&exists).Error; err != nil {
			return fmt.Errorf("account lookup: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return ErrInsufficientFunds
	}
	return nil
}

func creditAccount(tx *gorm.DB, accountID string, cents int64, now time.Time) error {
	res := tx.Model(&accountRow{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"balance_cents": gorm.Expr("balance_cents + ?", cents),
			"updated_at":    now,
		})
	if res.Error != nil {
		return fmt.Errorf("credit account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) SessionTransactions(ctx context.Context, sessionID string) ([]Transaction, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("session transactions: %w", err)
	}
	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toTransaction())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
