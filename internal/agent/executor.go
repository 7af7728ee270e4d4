package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/sqlscope/gateway-go/internal/config"
)

// ErrStatementNotAllowed is returned when the read-only policy rejects a
// statement before it reaches the database.
var ErrStatementNotAllowed = errors.New("statement not allowed by gateway policy")

var readOnlyPrefixes = []string{"SELECT", "WITH", "EXPLAIN", "SHOW", "DESCRIBE", "DESC"}

// QueryResult is one executed result set, already converted to
// transport-safe values.
type QueryResult struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

// Executor runs delegated SQL against the locally configured database with
// a bounded row count and timeout. It owns the local connection pool
// exclusively.
type Executor struct {
	db       *sqlx.DB
	readOnly bool
}

func NewExecutor(driver, dsn string, maxConns int, readOnly bool) (*Executor, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect local database: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(config.DBConnMaxLifetime)

	return &Executor{db: db, readOnly: readOnly}, nil
}

// NewExecutorWithDB wraps an existing pool. Used by tests.
func NewExecutorWithDB(db *sqlx.DB, readOnly bool) *Executor {
	return &Executor{db: db, readOnly: readOnly}
}

func (e *Executor) Close() error {
	return e.db.Close()
}

func (e *Executor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Execute runs one statement. The timeout cancels the underlying driver
// call; maxRows caps the materialized result set rather than the query, so
// truncation is deterministic whatever the query would return.
func (e *Executor) Execute(ctx context.Context, sqlQuery string, timeout time.Duration, maxRows int) (*QueryResult, error) {
	if maxRows <= 0 || maxRows > config.MaxRowsCeiling {
		maxRows = config.MaxRowsCeiling
	}

	if e.readOnly && !isReadOnlyStatement(sqlQuery) {
		return nil, ErrStatementNotAllowed
	}

	queryCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	rows, err := e.db.QueryContext(queryCtx, sqlQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: columns, Rows: [][]any{}}

	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}

		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}

		converted := make([]any, len(values))
		for i, v := range values {
			converted[i] = convertValue(v)
		}
		result.Rows = append(result.Rows, converted)
	}

	if err := rows.Err(); err != nil && !result.Truncated {
		return nil, err
	}

	result.Duration = time.Since(started)
	return result, nil
}

// convertValue maps driver-native values to primitives that survive JSON
// serialization: strings, numbers, booleans, ISO-8601 timestamps, null.
func convertValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case sql.RawBytes:
		return string(val)
	default:
		return val
	}
}

func isReadOnlyStatement(sqlQuery string) bool {
	trimmed := strings.TrimSpace(sqlQuery)
	// Strip leading line comments before checking the verb.
	for strings.HasPrefix(trimmed, "--") {
		idx := strings.IndexByte(trimmed, '\n')
		if idx < 0 {
			return false
		}
		trimmed = strings.TrimSpace(trimmed[idx+1:])
	}
	upper := strings.ToUpper(trimmed)
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(upper, prefix+" ") || upper == prefix {
			return true
		}
	}
	return false
}
