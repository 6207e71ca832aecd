package db

import (
	"context"
)

// Database is the storage handle shared by repositories.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing on nil error.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	// Driver reports the sql driver name ("mysql" or "sqlite").
	Driver() string
	Ping(ctx context.Context) error
	Close() error
}

// Transaction is a Querier bound to an open transaction.
type Transaction interface {
	Querier
	Commit() error
	Rollback() error
}

// Rows iterates over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}
