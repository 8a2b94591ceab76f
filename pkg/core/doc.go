// Package core provides the fundamental types and interfaces for the
// prepare-content service.
//
// This package contains:
//   - Job, Exam, Device and Transaction data models with GORM annotations
//   - JobStatus with its explicit transition table
//   - JobStore and DeviceRegistry interfaces defining the persistence contract
//   - Event types and the Bus used for monitoring
//   - Error types shared by the monitor, workers and receiver
package core
