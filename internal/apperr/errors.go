// Package apperr defines the error taxonomy shared by the ingestion pipeline.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrMalformedEvent marks a delivery that can never be processed; it is dropped, not retried.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrConnection marks a failure to reach the message broker or identity provider.
	ErrConnection = errors.New("connection error")
	// ErrSchemaViolation marks a record rejected by the table schema.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrStorageIO marks a transient blob storage failure.
	ErrStorageIO = errors.New("storage io error")
)

// IsTransient reports whether err should lead to redelivery rather than a drop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrSchemaViolation) {
		return false
	}
	return true
}
