package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "consultline.local/projects/engine/internal/db"
)

type sessionRow struct {
	SessionID      string `gorm:"primaryKey"`
	CustomerID     string `gorm:"index"`
	ProviderID     string `gorm:"index"`
	Mode           string
	Status         string `gorm:"index"`
	UnitPriceCents *int64
	Prepaid        bool
	BookedMinutes  int
	StartedAt      *time.Time
	EndedAt        *time.Time
	EndReason      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type providerFlagRow struct {
	ProviderID string `gorm:"primaryKey"`
	Busy       bool
	UpdatedAt  time.Time
}

func (providerFlagRow) TableName() string { return "provider_flags" }

func rowFromRecord(rec Record) sessionRow {
	row := sessionRow{
		SessionID:     rec.SessionID,
		CustomerID:    rec.CustomerID,
		ProviderID:    rec.ProviderID,
		Mode:          string(rec.Mode),
		Status:        string(rec.Status),
		Prepaid:       rec.Prepaid,
		BookedMinutes: rec.BookedMinutes,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		EndReason:     string(rec.EndReason),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.UnitPrice != nil {
		cents := rec.UnitPrice.Shift(2).Round(0).IntPart()
		row.UnitPriceCents = &cents
	}
	return row
}

func (r sessionRow) toRecord() Record {
	rec := Record{
		SessionID:     r.SessionID,
		CustomerID:    r.CustomerID,
		ProviderID:    r.ProviderID,
		Mode:          Mode(r.Mode),
		Status:        Status(r.Status),
		Prepaid:       r.Prepaid,
		BookedMinutes: r.BookedMinutes,
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		EndReason:     EndReason(r.EndReason),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.UnitPriceCents != nil {
		price := centsToDecimal(*r.UnitPriceCents)
		rec.UnitPrice = &price
	}
	return rec
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open directory store: %w", err)
	}
	return NewGormStoreWithDB(gormDB)
}

// NewGormStoreWithDB wraps an already-open handle so multiple stores can
// share one connection pool. sqlite in particular locks up under two
// independent writers on the same file.
func NewGormStoreWithDB(gormDB *gorm.DB) (*GormStore, error) {
	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &providerFlagRow{})
}

func (s *GormStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}

	var existing sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", rec.SessionID).Take(&existing).Error
	if err == nil {
		return Record{}, ErrDuplicateSession
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("lookup session: %w", err)
	}

	created := newRecord(rec, time.Now().UTC())
	row := rowFromRecord(created)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Record{}, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) MarkStarted(ctx context.Context, sessionID string, at time.Time) (Record, error) {
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		if row.Status == string(StatusEnded) {
			return ErrSessionEnded
		}
		if row.StartedAt == nil {
			started := at.UTC()
			row.StartedAt = &started
		}
		row.Status = string(StatusActive)
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *GormStore) MarkEnded(ctx context.Context, sessionID string, reason EndReason, at time.Time) (Record, error) {
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		if row.Status == string(StatusEnded) {
			return ErrSessionEnded
		}
		ended := at.UTC()
		row.Status = string(StatusEnded)
		row.EndedAt = &ended
		row.EndReason = string(reason)
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *GormStore) Reopen(ctx context.Context, sessionID string) (Record, error) {
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		if err := tx.Where("session_id = ?", sessionID).Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}
		if row.Status != string(StatusEnded) {
			return ErrNotEnded
		}
		row.Status = string(StatusActive)
		row.EndedAt = nil
		row.EndReason = ""
		row.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *GormStore) ActiveSessions(ctx context.Context) ([]Record, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).Where("status = ?", string(StatusActive)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) OpenSessions(ctx context.Context) ([]Record, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).Where("status <> ?", string(StatusEnded)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) ProviderHasActiveSession(ctx context.Context, providerID, excludeSessionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&sessionRow{}).
		Where("provider_id = ? AND status = ? AND session_id <> ?", providerID, string(StatusActive), excludeSessionID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("provider active lookup: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) SetProviderBusy(ctx context.Context, providerID string, busy bool) error {
	row := providerFlagRow{ProviderID: providerID, Busy: busy, UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("set provider busy: %w", err)
	}
	return nil
}

func (s *GormStore) ProviderBusy(ctx context.Context, providerID string) (bool, error) {
	var row providerFlagRow
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("provider busy lookup: %w", err)
	}
	return row.Busy, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}
