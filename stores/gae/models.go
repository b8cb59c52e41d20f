//go:build !wasm
// +build !wasm

package gae

import (
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	pa "github.com/panyam/pocketauth"
)

// StorageEntryEntity is the Datastore entity for one LocalStorage entry.
// Its parent is the Device key.
type StorageEntryEntity struct {
	Key       *datastore.Key `datastore:"__key__"`
	Value     string         `datastore:"value,noindex"`
	UpdatedAt time.Time      `datastore:"updated_at"`
}

// ProfileEntity is the Datastore entity for profiles. Key name is the user id.
// MonthlyBudget is stored as a decimal string, empty when unset.
type ProfileEntity struct {
	Key           *datastore.Key `datastore:"__key__"`
	FullName      string         `datastore:"full_name,noindex"`
	AvatarURL     string         `datastore:"avatar_url,noindex"`
	Currency      string         `datastore:"currency"`
	MonthlyBudget string         `datastore:"monthly_budget,noindex"`
	CreatedAt     time.Time      `datastore:"created_at"`
	UpdatedAt     time.Time      `datastore:"updated_at"`
	Version       int            `datastore:"version"`
}

func (e *ProfileEntity) ToProfile() (*pa.Profile, error) {
	id, err := uuid.Parse(e.Key.Name)
	if err != nil {
		return nil, err
	}
	p := &pa.Profile{
		ID:        id,
		FullName:  e.FullName,
		AvatarURL: e.AvatarURL,
		Currency:  e.Currency,
		UpdatedAt: e.UpdatedAt,
	}
	if e.MonthlyBudget != "" {
		d, err := decimal.NewFromString(e.MonthlyBudget)
		if err != nil {
			return nil, err
		}
		p.MonthlyBudget = decimal.NewNullDecimal(d)
	}
	return p, nil
}

// apply copies the set fields of u onto the entity
func (e *ProfileEntity) apply(u pa.ProfileUpdate) {
	if u.FullName != nil {
		e.FullName = *u.FullName
	}
	if u.AvatarURL != nil {
		e.AvatarURL = *u.AvatarURL
	}
	if u.Currency != nil {
		e.Currency = *u.Currency
	}
	if u.MonthlyBudget != nil {
		e.MonthlyBudget = u.MonthlyBudget.String()
	}
}
