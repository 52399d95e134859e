// Package apperrors defines the error kinds shared across the query pipeline.
// Components wrap these sentinels with context; callers match with errors.Is.
package apperrors

import "errors"

var (
	// ErrCatalogUnavailable means the semantic layer could not serve its schema.
	// It is fatal to the request that hit it.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrSynthesis means no valid structured query could be produced.
	ErrSynthesis = errors.New("query synthesis failed")

	// ErrExecution means the semantic layer rejected or failed a structured query.
	ErrExecution = errors.New("query execution failed")

	// ErrPersistence means the history store could not commit a mutation.
	// The store is left at its previous generation.
	ErrPersistence = errors.New("persistence failed")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
