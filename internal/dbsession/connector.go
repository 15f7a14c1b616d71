//go:generate go run go.uber.org/mock/mockgen -source=connector.go -destination=../mocks/mock_connector.go -package=mocks
package dbsession

import (
	"context"
	"errors"
)

var (
	ErrNotConnected   = errors.New("not connected to a database")
	ErrSessionClosed  = errors.New("database session is closed")
	ErrUnknownDriver  = errors.New("unknown database driver")
	ErrInvalidDBName  = errors.New("invalid database name")
	ErrHandleReleased = errors.New("database handle already closed")
)

// Credentials are the connection parameters carried by a connect frame.
type Credentials struct {
	Host     string
	Port     int
	Database string `validate:"required"`
	User     string `validate:"required"`
	Password string
}

// Result is the outcome of a row-returning statement.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Connector opens database handles.
type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Handle, error)
}

// Handle is one open database connection with an implicit transaction that
// Commit and Rollback end.
type Handle interface {
	Query(ctx context.Context, query string) (*Result, error)
	Exec(ctx context.Context, query string) (int64, error)
	Commit() error
	Rollback() error
	Close() error
}
