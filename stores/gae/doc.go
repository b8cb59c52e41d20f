//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore implementations of pocketauth storage.
// It is designed for deployment on Google Cloud Platform and supports multi-tenancy
// through Datastore namespaces.
//
// # Datastore Kinds
//
// The package uses the following Datastore kinds:
//   - Device: ancestor of all entries of one device
//   - StorageEntry: one LocalStorage entry, keyed by its storage key
//   - Profile: extended user profile rows keyed by the auth user id
//
// # Namespacing
//
// All stores support Datastore namespaces for multi-tenant applications:
//
//	storage := gae.NewStorage(client, "tenant-123", "laptop-1")
//	profiles := gae.NewProfileStore(client, "tenant-123")
//
// # Usage
//
//	client, _ := datastore.NewClient(ctx, projectID)
//	storage := gae.NewStorage(client, "", "laptop-1")  // default namespace
package gae
