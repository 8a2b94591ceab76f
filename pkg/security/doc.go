// Package security provides validation, sanitization, and limits for the
// prepare-content service.
//
// This package includes:
//   - DICOM UID validation for configured SOP classes and inbound objects
//   - Path segment validation for identifiers used in the staging layout
//   - Status message sanitization before messages reach the job store
//   - Clamping of the retrieval concurrency limit
package security
