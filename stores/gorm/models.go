//go:build !wasm
// +build !wasm

package gorm

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pa "github.com/panyam/pocketauth"
)

// StorageEntryModel is one LocalStorage entry of one device
type StorageEntryModel struct {
	Device    string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"primaryKey;size:255"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (StorageEntryModel) TableName() string {
	return "local_storage"
}

// ProfileModel is the GORM model for profile rows
type ProfileModel struct {
	ID            uuid.UUID           `gorm:"type:uuid;primaryKey"`
	FullName      string              `gorm:"size:100"`
	AvatarURL     string              `gorm:"size:1024"`
	Currency      string              `gorm:"size:3"`
	MonthlyBudget decimal.NullDecimal `gorm:"type:numeric(14,2)"`
	CreatedAt     time.Time           `gorm:"autoCreateTime"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime"`
}

func (ProfileModel) TableName() string {
	return "profiles"
}

func (m *ProfileModel) ToProfile() *pa.Profile {
	return &pa.Profile{
		ID:            m.ID,
		FullName:      m.FullName,
		AvatarURL:     m.AvatarURL,
		Currency:      m.Currency,
		MonthlyBudget: m.MonthlyBudget,
		UpdatedAt:     m.UpdatedAt,
	}
}

// updateColumns maps the set fields of u to column names
func updateColumns(u pa.ProfileUpdate) map[string]any {
	cols := map[string]any{}
	if u.FullName != nil {
		cols["full_name"] = *u.FullName
	}
	if u.AvatarURL != nil {
		cols["avatar_url"] = *u.AvatarURL
	}
	if u.Currency != nil {
		cols["currency"] = *u.Currency
	}
	if u.MonthlyBudget != nil {
		cols["monthly_budget"] = decimal.NewNullDecimal(*u.MonthlyBudget)
	}
	return cols
}
