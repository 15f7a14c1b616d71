package dbsession

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GormConnector opens session handles through gorm. With the sqlite driver the
// database name maps to <DataDir>/<name>.db, or to a private in-memory
// database when DataDir is empty.
type GormConnector struct {
	Driver   string
	DataDir  string
	LogLevel logger.LogLevel
}

func (g GormConnector) Connect(ctx context.Context, creds Credentials) (Handle, error) {
	dialector, err := g.dialector(creds)
	if err != nil {
		return nil, err
	}
	level := g.LogLevel
	if level == 0 {
		level = logger.Silent
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(level),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database %q: %w", g.driver(), creds.Database, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One physical connection per session: the transaction and any in-memory
	// database live on it.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s database %q: %w", g.driver(), creds.Database, err)
	}
	return &gormHandle{db: db, sqlDB: sqlDB}, nil
}

func (g GormConnector) driver() string {
	if g.Driver == "" {
		return DriverSQLite
	}
	return g.Driver
}

func (g GormConnector) dialector(creds Credentials) (gorm.Dialector, error) {
	switch g.driver() {
	case DriverSQLite:
		dsn, err := g.sqliteDSN(creds.Database)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(postgresDSN(creds)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, g.Driver)
}

// postgresDSN renders creds as a postgres:// URL. Every client-supplied part is
// escaped, so no value can add connection parameters.
func postgresDSN(creds Credentials) string {
	host := creds.Host
	if host == "" {
		host = "localhost"
	}
	port := creds.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(creds.User, creds.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + creds.Database,
		RawQuery: url.Values{"sslmode": {"disable"}}.Encode(),
	}
	return u.String()
}

func (g GormConnector) sqliteDSN(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidDBName, name)
	}
	if g.DataDir == "" {
		return ":memory:", nil
	}
	return filepath.Join(g.DataDir, name+".db"), nil
}

// gormHandle keeps at most one open transaction. It is used by a single
// Session, which serializes calls.
type gormHandle struct {
	db    *gorm.DB
	sqlDB *sql.DB
	tx    *gorm.DB
}

func (h *gormHandle) begin() (*gorm.DB, error) {
	if h.sqlDB == nil {
		return nil, ErrHandleReleased
	}
	if h.tx == nil {
		// The transaction outlives any single statement context.
		tx := h.db.Begin()
		if tx.Error != nil {
			return nil, tx.Error
		}
		h.tx = tx
	}
	return h.tx, nil
}

func (h *gormHandle) Query(ctx context.Context, query string) (*Result, error) {
	tx, err := h.begin()
	if err != nil {
		return nil, err
	}
	rows, err := tx.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}

func (h *gormHandle) Exec(ctx context.Context, query string) (int64, error) {
	tx, err := h.begin()
	if err != nil {
		return 0, err
	}
	res := tx.WithContext(ctx).Exec(query)
	return res.RowsAffected, res.Error
}

func (h *gormHandle) Commit() error {
	if h.tx == nil {
		return nil
	}
	tx := h.tx
	h.tx = nil
	return tx.Commit().Error
}

func (h *gormHandle) Rollback() error {
	if h.tx == nil {
		return nil
	}
	tx := h.tx
	h.tx = nil
	return tx.Rollback().Error
}

func (h *gormHandle) Close() error {
	if h.sqlDB == nil {
		return ErrHandleReleased
	}
	_ = h.Rollback()
	sqlDB := h.sqlDB
	h.sqlDB = nil
	return sqlDB.Close()
}
