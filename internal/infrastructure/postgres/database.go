package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	dbTracer = otel.Tracer("finlink/postgres")
	dbMeter  = otel.Meter("finlink/postgres")
)

// PoolOptions sizes the connection pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 25
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	return o
}

// DB wraps *sql.DB so every statement gets a span with a sanitized query.
type DB struct {
	*sql.DB
	pool metric.Registration
}

func New(connStr string, opts PoolOptions) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	opts = opts.withDefaults()
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// RegisterPoolMetrics exports sql.DBStats as observable gauges. The
// registration is released by Close.
func (db *DB) RegisterPoolMetrics() error {
	open, err := dbMeter.Int64ObservableGauge("db.pool.connections.open",
		metric.WithDescription("Open connections, in use and idle"))
	if err != nil {
		return err
	}
	inUse, err := dbMeter.Int64ObservableGauge("db.pool.connections.in_use")
	if err != nil {
		return err
	}
	waits, err := dbMeter.Int64ObservableCounter("db.pool.wait.count",
		metric.WithDescription("Connections waited for since start"))
	if err != nil {
		return err
	}

	db.pool, err = dbMeter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats := db.Stats()
		o.ObserveInt64(open, int64(stats.OpenConnections))
		o.ObserveInt64(inUse, int64(stats.InUse))
		o.ObserveInt64(waits, stats.WaitCount)
		return nil
	}, open, inUse, waits)
	return err
}

func (db *DB) Close() error {
	if db.pool != nil {
		db.pool.Unregister()
	}
	return db.DB.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, span := dbTracer.Start(ctx, "db.Tx", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
	))
	defer span.End()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		recordSpanError(span, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func startQuerySpan(ctx context.Context, name, query string) (context.Context, trace.Span) {
	return dbTracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", extractSQLVerb(query)),
			attribute.String("db.statement", sanitizeQuery(query)),
		),
	)
}

// sql.ErrNoRows is an expected outcome, not a span error.
func recordSpanError(span trace.Span, err error) {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	ctx, span := startQuerySpan(ctx, "db.Query", query)
	defer span.End()

	rows, err := db.DB.QueryContext(ctx, query, args...)
	recordSpanError(span, err)
	return rows, err
}

// tracedRow keeps the span open until Scan, where sql.Row reports errors.
type tracedRow struct {
	row  *sql.Row
	span trace.Span
}

func (r *tracedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.span != nil {
		recordSpanError(r.span, err)
		r.span.End()
		r.span = nil
	}
	return err
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *tracedRow {
	ctx, span := startQuerySpan(ctx, "db.QueryRow", query)
	return &tracedRow{
		row:  db.DB.QueryRowContext(ctx, query, args...),
		span: span,
	}
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, span := startQuerySpan(ctx, "db.Exec", query)
	defer span.End()

	result, err := db.DB.ExecContext(ctx, query, args...)
	recordSpanError(span, err)
	return result, err
}

// sanitizeQuery replaces string literals and bare numeric literals with '?'
// so that sensitive values (PII, tokens, etc.) are never stored in traces.
// Parameterized queries using $1, $2, ... are left as-is since they carry no data.
func sanitizeQuery(q string) string {
	var b strings.Builder
	b.Grow(len(q))

	i := 0
	for i < len(q) {
		ch := q[i]

		// Replace quoted string literals: 'value' → '?'
		if ch == '\'' {
			b.WriteString("'?'")
			i++
			for i < len(q) {
				if q[i] == '\'' {
					if i+1 < len(q) && q[i+1] == '\'' {
						i += 2 // escaped quote ''
						continue
					}
					i++ // closing quote
					break
				}
				i++
			}
			continue
		}

		// Replace bare numeric literals that aren't $N parameters
		if unicode.IsDigit(rune(ch)) && (i == 0 || !isIdentChar(q[i-1])) {
			// Check it's not a $N placeholder
			if i > 0 && q[i-1] == '$' {
				b.WriteByte(ch)
				i++
				continue
			}
			b.WriteByte('?')
			for i < len(q) && (unicode.IsDigit(rune(q[i])) || q[i] == '.') {
				i++
			}
			continue
		}

		b.WriteByte(ch)
		i++
	}

	s := b.String()
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '$'
}

func extractSQLVerb(q string) string {
	q = strings.TrimSpace(q)
	if idx := strings.IndexByte(q, ' '); idx > 0 {
		return strings.ToUpper(q[:idx])
	}
	return strings.ToUpper(q)
}
