// Package database provides the Database interface for control plane storage.
// This package re-exports the internal database interface to allow external
// implementations to wrap and extend the database layer.
package database

import (
	"context"

	internaldatabase "github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/jackc/pgx/v5"
)

// Database is the interface for control plane database operations.
type Database = internaldatabase.Database

// Filter and update types
type (
	ProviderFilter   = internaldatabase.ProviderFilter
	RunRequestUpdate = internaldatabase.RunRequestUpdate
)

// Common database errors
var (
	ErrNotFound      = internaldatabase.ErrNotFound
	ErrAlreadyExists = internaldatabase.ErrAlreadyExists
	ErrInvalidInput  = internaldatabase.ErrInvalidInput
	ErrDatabase      = internaldatabase.ErrDatabase
	ErrConflict      = internaldatabase.ErrConflict
)

// InTransactionT is a generic helper that wraps InTransaction for functions returning a value.
func InTransactionT[T any](ctx context.Context, db Database, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	return internaldatabase.InTransactionT(ctx, db, fn)
}

// NewMemory returns an in-process Database, useful for tests and local development.
func NewMemory() Database {
	return internaldatabase.NewMemory()
}
