package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type MemoryStore struct {
	providerRate      decimal.Decimal
	platformAccountID string

	mu           sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	closed       bool
}

func NewMemoryStore(platformAccountID string, providerRate decimal.Decimal) *MemoryStore {
	return &MemoryStore{
		providerRate:      providerRate,
		platformAccountID: platformAccountID,
		accounts:          make(map[string]Account),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, id string, kind AccountKind) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Account{}, fmt.Errorf("memory store is closed")
	}
	if _, ok := s.accounts[id]; ok {
		return Account{}, ErrDuplicateAccount
	}
	now := time.Now().UTC()
	account := Account{ID: id, Kind: kind, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	s.accounts[id] = account
	return account, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (s *MemoryStore) Deposit(_ context.Context, accountID string, amount decimal.Decimal, kind Kind) (Account, error) {
	amount = amount.Round(2)
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}
	switch kind {
	case KindTopup, KindBonus, KindRefund:
	default:
		return Account{}, fmt.Errorf("deposit kind %q: %w", kind, ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return Account{}, ErrNotFound
	}
	now := time.Now().UTC()
	account.Balance = account.Balance.Add(amount)
	account.UpdatedAt = now
	s.accounts[accountID] = account
	s.transactions = append(s.transactions, Transaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Kind:      kind,
		CreatedAt: now,
	})
	return account, nil
}

func (s *MemoryStore) ChargeSplit(_ context.Context, sessionID, customerID, providerID string, gross decimal.Decimal) (ChargeResult, error) {
	gross = gross.Round(2)
	if !gross.IsPositive() {
		return ChargeResult{}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.splitLocked(sessionID, customerID, providerID, gross, true)
}

// splitLocked performs the three-row split. debitCustomer is false on the
// booking-settle path, where the customer was already debited by the hold.
func (s *MemoryStore) splitLocked(sessionID, customerID, providerID string, gross decimal.Decimal, debitCustomer bool) (ChargeResult, error) {
	customer, ok := s.accounts[customerID]
	if !ok {
		return ChargeResult{}, fmt.Errorf("customer account %s: %w", customerID, ErrNotFound)
	}
	provider, ok := s.accounts[providerID]
	if !ok {
		return ChargeResult{}, fmt.Errorf("provider account %s: %w", providerID, ErrNotFound)
	}
	platform, ok := s.accounts[s.platformAccountID]
	if !ok {
		return ChargeResult{}, fmt.Errorf("platform account %s: %w", s.platformAccountID, ErrNotFound)
	}

	providerShare, platformShare := ComputeSplit(gross, s.providerRate)
	now := time.Now().UTC()

	if debitCustomer {
		if customer.Balance.LessThan(gross) {
			return ChargeResult{}, ErrInsufficientFunds
		}
		customer.Balance = customer.Balance.Sub(gross)
		customer.UpdatedAt = now
		s.accounts[customerID] = customer
		s.transactions = append(s.transactions, Transaction{
			ID:            uuid.NewString(),
			AccountID:     customerID,
			Amount:        gross.Neg(),
			Kind:          KindUsageDebit,
			SessionID:     sessionID,
			CounterpartID: providerID,
			CreatedAt:     now,
		})
	}

	provider.Balance = provider.Balance.Add(providerShare)
	provider.UpdatedAt = now
	s.accounts[providerID] = provider
	platform.Balance = platform.Balance.Add(platformShare)
	platform.UpdatedAt = now
	s.accounts[s.platformAccountID] = platform

	s.transactions = append(s.transactions,
		Transaction{
			ID:            uuid.NewString(),
			AccountID:     providerID,
			Amount:        providerShare,
			Kind:          KindProviderEarning,
			SessionID:     sessionID,
			CounterpartID: customerID,
			CreatedAt:     now,
		},
		Transaction{
			ID:            uuid.NewString(),
			AccountID:     s.platformAccountID,
			Amount:        platformShare,
			Kind:          KindPlatformCommission,
			SessionID:     sessionID,
			CounterpartID: customerID,
			CreatedAt:     now,
		},
	)

	return ChargeResult{
		Gross:           gross,
		ProviderShare:   providerShare,
		PlatformShare:   platformShare,
		CustomerBalance: customer.Balance,
		ProviderBalance: provider.Balance,
	}, nil
}

func (s *MemoryStore) HoldForBooking(_ context.Context, sessionID, customerID string, gross decimal.Decimal) error {
	gross = gross.Round(2)
	if !gross.IsPositive() {
		return ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	customer, ok := s.accounts[customerID]
	if !ok {
		return fmt.Errorf("customer account %s: %w", customerID, ErrNotFound)
	}
	if customer.Balance.LessThan(gross) {
		return ErrInsufficientFunds
	}
	now := time.Now().UTC()
	customer.Balance = customer.Balance.Sub(gross)
	customer.UpdatedAt = now
	s.accounts[customerID] = customer
	s.transactions = append(s.transactions, Transaction{
		ID:        uuid.NewString(),
		AccountID: customerID,
		Amount:    gross.Neg(),
		Kind:      KindBookingHold,
		SessionID: sessionID,
		CreatedAt: now,
	})
	return nil
}

func (s *MemoryStore) SettleBookingHold(_ context.Context, sessionID, customerID, providerID string) (ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var held decimal.Decimal
	found := false
	for _, tx := range s.transactions {
		if tx.SessionID != sessionID {
			continue
		}
		if tx.Kind == KindBookingHold && tx.AccountID == customerID {
			held = tx.Amount.Neg()
			found = true
		}
		if tx.Kind == KindProviderEarning {
			// hold already settled; settling twice would double-pay
			return ChargeResult{}, ErrHoldNotFound
		}
	}
	if !found {
		return ChargeResult{}, ErrHoldNotFound
	}
	return s.splitLocked(sessionID, customerID, providerID, held, false)
}

func (s *MemoryStore) SessionTransactions(_ context.Context, sessionID string) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, tx := range s.transactions {
		if tx.SessionID == sessionID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
