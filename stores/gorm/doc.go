//go:build !wasm
// +build !wasm

// Package gorm provides GORM-based implementations of pocketauth storage.
// It supports any database that GORM supports and ships a PostgreSQL connector.
//
// # Database Schema
//
// The package auto-migrates the following tables:
//   - local_storage: persisted key/value entries, partitioned by device
//   - profiles: extended user profile rows keyed by the auth user id
//
// # Usage
//
//	db, _ := gormstore.Connect(ctx, dsn, 4)
//	gormstore.AutoMigrate(db)
//	storage := gormstore.NewStorage(db, "laptop-1")
//	profiles := gormstore.NewProfileStore(db)
package gorm
