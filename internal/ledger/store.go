// Package ledger owns account balances and the append-only transaction
// log. Balances are mutated only through ledger operations; every charge
// writes its debit and credit rows in one atomic transaction.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateAccount  = errors.New("account already exists")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrHoldNotFound      = errors.New("booking hold not found")
)

type AccountKind string

const (
	AccountCustomer AccountKind = "customer"
	AccountProvider AccountKind = "provider"
	AccountPlatform AccountKind = "platform"
)

type Kind string

const (
	KindUsageDebit         Kind = "usage_debit"
	KindProviderEarning    Kind = "provider_earning"
	KindPlatformCommission Kind = "platform_commission"
	KindRefund             Kind = "refund"
	KindBonus              Kind = "bonus"
	KindTopup              Kind = "topup"
	KindBookingHold        Kind = "booking_hold"
)

type Account struct {
	ID        string
	Kind      AccountKind
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is one immutable balance change. Debits carry a negative
// amount, credits a positive one.
type Transaction struct {
	ID            string
	AccountID     string
	Amount        decimal.Decimal
	Kind          Kind
	SessionID     string
	CounterpartID string
	CreatedAt     time.Time
}

type ChargeResult struct {
	Gross           decimal.Decimal
	ProviderShare   decimal.Decimal
	PlatformShare   decimal.Decimal
	CustomerBalance decimal.Decimal
	ProviderBalance decimal.Decimal
}

// Store is the transactional contract the engine requires. ChargeSplit and
// the booking-hold pair are all-or-nothing: a failed charge leaves no rows
// behind. The customer debit is a conditional decrement, so two sessions
// charging the same account can never race it below zero.
type Store interface {
	CreateAccount(ctx context.Context, id string, kind AccountKind) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)

	// Deposit credits an account outside the charge path (topup, bonus,
	// refund). Amount must be positive.
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, kind Kind) (Account, error)

	// ChargeSplit debits the customer by gross and credits the provider
	// and platform shares, writing three correlated rows. Returns
	// ErrInsufficientFunds, with nothing written, when the customer
	// balance is short.
	ChargeSplit(ctx context.Context, sessionID, customerID, providerID string, gross decimal.Decimal) (ChargeResult, error)

	// HoldForBooking debits the full gross at booking time without
	// splitting it. SettleBookingHold performs the split once, at session
	// start. This pair is the calendar-booking path only; the per-tick
	// flow never touches it.
	HoldForBooking(ctx context.Context, sessionID, customerID string, gross decimal.Decimal) error
	SettleBookingHold(ctx context.Context, sessionID, customerID, providerID string) (ChargeResult, error)

	SessionTransactions(ctx context.Context, sessionID string) ([]Transaction, error)
	Close() error
}
