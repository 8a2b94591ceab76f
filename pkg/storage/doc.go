// Package storage provides the GORM-backed job store.
//
// This package includes:
//   - GormStorage: the JobStore and DeviceRegistry over SQLite or PostgreSQL
//   - Open: connects with backoff and applies connection pool settings
//   - RetryingStore: retries transient failures of another JobStore
//
// The JobStore interface is defined in pkg/core. Most users should import the
// root package, which opens a store from configuration with OpenStore.
package storage
