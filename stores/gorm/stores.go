//go:build !wasm
// +build !wasm

package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	pa "github.com/panyam/pocketauth"
)

var (
	_ pa.LocalStorage = (*Storage)(nil)
	_ pa.ProfileStore = (*ProfileStore)(nil)
)

// Connect opens a PostgreSQL database and verifies it answers a ping
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		if db != nil {
			_ = Close(db)
		}
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(int(maxConns) / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Close releases the connection pool behind db
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("gorm sql db: %w", err)
	}
	return sqlDB.Close()
}

// AutoMigrate runs database migrations for all pocketauth tables
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&StorageEntryModel{},
		&ProfileModel{},
	)
}

// =============================================================================
// Storage
// =============================================================================

// Storage implements pa.LocalStorage on the local_storage table.
// Each device sees only its own rows.
type Storage struct {
	db     *gorm.DB
	device string
}

func NewStorage(db *gorm.DB, device string) *Storage {
	if device == "" {
		device = "default"
	}
	return &Storage{db: db, device: device}
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&StorageEntryModel{}).
		Where("device = ?", s.device).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	var model StorageEntryModel
	err := s.db.WithContext(ctx).First(&model, "device = ? AND key = ?", s.device, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.Value, true, nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	model := &StorageEntryModel{Device: s.device, Key: key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(model).Error
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).
		Where("device = ? AND key = ?", s.device, key).
		Delete(&StorageEntryModel{}).Error
}

// =============================================================================
// ProfileStore
// =============================================================================

// ProfileStore implements pa.ProfileStore directly against the profiles table.
// Server-side tools use it instead of going through the REST gateway.
type ProfileStore struct {
	db *gorm.DB
}

func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

func (s *ProfileStore) GetProfile(ctx context.Context, userID uuid.UUID) (*pa.Profile, error) {
	var model ProfileModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pa.WrapError(pa.KindProfile, "get_profile", err)
	}
	return model.ToProfile(), nil
}

func (s *ProfileStore) UpdateProfile(ctx context.Context, userID uuid.UUID, update pa.ProfileUpdate) (*pa.Profile, error) {
	if update.IsEmpty() {
		return nil, pa.NewError(pa.KindValidation, "update_profile", "no profile fields to update")
	}

	var model ProfileModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ProfileModel{}).Where("id = ?", userID).Updates(updateColumns(update))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&model, "id = ?", userID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &pa.Error{Kind: pa.KindProfile, Op: "update_profile", Code: "profile_not_found", Message: "profile not found"}
	}
	if err != nil {
		return nil, pa.WrapError(pa.KindProfile, "update_profile", err)
	}
	return model.ToProfile(), nil
}

// CreateProfile inserts an empty profile row for a new user. It is a no-op if
// the row already exists.
func (s *ProfileStore) CreateProfile(ctx context.Context, userID uuid.UUID, fullName string) error {
	model := &ProfileModel{ID: userID, FullName: fullName}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model).Error
}
