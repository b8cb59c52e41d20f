//go:build !wasm
// +build !wasm

package gae

import (
	"context"
	"errors"
	"sort"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	pa "github.com/panyam/pocketauth"
)

// Kind constants for Datastore entities
const (
	KindDevice       = "Device"
	KindStorageEntry = "StorageEntry"
	KindProfile      = "Profile"
)

var (
	_ pa.LocalStorage = (*Storage)(nil)
	_ pa.ProfileStore = (*ProfileStore)(nil)
)

// ============================================================================
// Storage
// ============================================================================

// Storage implements pa.LocalStorage using Google Cloud Datastore.
// All entries of a device share one entity group.
type Storage struct {
	client    *datastore.Client
	namespace string
	device    *datastore.Key
}

// NewStorage creates a new Datastore-backed LocalStorage for one device
func NewStorage(client *datastore.Client, namespace, device string) *Storage {
	if device == "" {
		device = "default"
	}
	parent := datastore.NameKey(KindDevice, device, nil)
	parent.Namespace = namespace
	return &Storage{
		client:    client,
		namespace: namespace,
		device:    parent,
	}
}

func (s *Storage) entryKey(key string) *datastore.Key {
	k := datastore.NameKey(KindStorageEntry, key, s.device)
	k.Namespace = s.namespace
	return k
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	query := datastore.NewQuery(KindStorageEntry).
		Ancestor(s.device).
		KeysOnly()
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}

	var keys []string
	it := s.client.Run(ctx, query)
	for {
		k, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, k.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	var entity StorageEntryEntity
	if err := s.client.Get(ctx, s.entryKey(key), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return "", false, nil
		}
		return "", false, err
	}
	return entity.Value, true, nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	k := s.entryKey(key)
	entity := &StorageEntryEntity{
		Key:       k,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	_, err := s.client.Put(ctx, k, entity)
	return err
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	// Datastore deletes of missing keys succeed
	return s.client.Delete(ctx, s.entryKey(key))
}

// ============================================================================
// ProfileStore
// ============================================================================

// ProfileStore implements pa.ProfileStore using Google Cloud Datastore
type ProfileStore struct {
	client    *datastore.Client
	namespace string
}

// NewProfileStore creates a new Datastore-backed ProfileStore
func NewProfileStore(client *datastore.Client, namespace string) *ProfileStore {
	return &ProfileStore{client: client, namespace: namespace}
}

func (s *ProfileStore) namespacedKey(userID uuid.UUID) *datastore.Key {
	key := datastore.NameKey(KindProfile, userID.String(), nil)
	key.Namespace = s.namespace
	return key
}

func (s *ProfileStore) GetProfile(ctx context.Context, userID uuid.UUID) (*pa.Profile, error) {
	var entity ProfileEntity
	if err := s.client.Get(ctx, s.namespacedKey(userID), &entity); err != nil {
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			return nil, nil
		}
		return nil, pa.WrapError(pa.KindProfile, "get_profile", err)
	}
	p, err := entity.ToProfile()
	if err != nil {
		return nil, pa.WrapError(pa.KindProfile, "get_profile", err)
	}
	return p, nil
}

func (s *ProfileStore) UpdateProfile(ctx context.Context, userID uuid.UUID, update pa.ProfileUpdate) (*pa.Profile, error) {
	if update.IsEmpty() {
		return nil, pa.NewError(pa.KindValidation, "update_profile", "no profile fields to update")
	}

	key := s.namespacedKey(userID)
	var entity ProfileEntity
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := tx.Get(key, &entity); err != nil {
			return err
		}
		entity.apply(update)
		entity.UpdatedAt = time.Now()
		entity.Version++
		_, err := tx.Put(key, &entity)
		return err
	})
	if errors.Is(err, datastore.ErrNoSuchEntity) {
		return nil, &pa.Error{Kind: pa.KindProfile, Op: "update_profile", Code: "profile_not_found", Message: "profile not found"}
	}
	if err != nil {
		return nil, pa.WrapError(pa.KindProfile, "update_profile", err)
	}
	entity.Key = key
	p, err := entity.ToProfile()
	if err != nil {
		return nil, pa.WrapError(pa.KindProfile, "update_profile", err)
	}
	return p, nil
}

// CreateProfile inserts an empty profile for a new user unless one exists
func (s *ProfileStore) CreateProfile(ctx context.Context, userID uuid.UUID, fullName string) error {
	key := s.namespacedKey(userID)
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var existing ProfileEntity
		err := tx.Get(key, &existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, datastore.ErrNoSuchEntity) {
			return err
		}
		now := time.Now()
		_, err = tx.Put(key, &ProfileEntity{
			Key:       key,
			FullName:  fullName,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		})
		return err
	})
	return err
}
