// Package postgres provides a PostgreSQL-backed queue driver for dequeueflow.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/lib/pq"

	"github.com/drblury/dequeueflow/internal/runtime/ids"
	"github.com/drblury/dequeueflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

const (
	// DefaultPollInterval is the default interval between dequeue attempts.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultSchemaName is the schema holding the queue table.
	DefaultSchemaName = "dequeueflow"
)

// SQLSTATE codes reported as access-denied.
const (
	codeInsufficientPrivilege = pq.ErrorCode("42501")
	codeInvalidAuthorization  = pq.ErrorCode("28000")
	codeInvalidPassword       = pq.ErrorCode("28P01")
)

var schemaNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

func init() {
	transport.Register(TransportName, Build, transport.PostgresCapabilities)
	transport.Register("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Build creates a new PostgreSQL driver.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	return New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// PollInterval is the interval between dequeue attempts.
	PollInterval time.Duration
	// SchemaName is the schema to use for tables. Defaults to "dequeueflow".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("PostgreSQL connection string is required")
	}
	if !schemaNamePattern.MatchString(c.SchemaName) {
		return fmt.Errorf("invalid PostgreSQL schema name %q", c.SchemaName)
	}
	return nil
}

// Driver is a queue driver storing every queue in one PostgreSQL table.
type Driver struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter
	table  string

	mu     sync.RWMutex
	closed bool
}

// New connects to PostgreSQL and creates the queue table if needed.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", classify("", err))
	}

	d := &Driver{
		db:     db,
		config: cfg,
		logger: logger,
		table:  pq.QuoteIdentifier(cfg.SchemaName) + ".queue_messages",
	}

	if err := d.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

func (d *Driver) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name is validated against schemaNamePattern and quoted
	if _, err := d.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(d.config.SchemaName))); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// #nosec G201 - table name is derived from the validated schema name
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		queue TEXT NOT NULL,
		uuid TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		body BYTEA NOT NULL DEFAULT '',
		recoverable BOOLEAN NOT NULL DEFAULT TRUE,
		enqueued_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_queue_id ON %[1]s(queue, id);
	`, d.table))
	return err
}

func (d *Driver) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// Open returns a handle on the queue at path.
func (d *Driver) Open(ctx context.Context, path string) (transport.Queue, error) {
	if d.isClosed() {
		return nil, transport.ErrClosed
	}
	if path == "" {
		return nil, fmt.Errorf("postgres: queue path is required")
	}
	return &queue{driver: d, path: path}, nil
}

// NewTransaction returns a transaction backed by a sql.Tx.
func (d *Driver) NewTransaction() (transport.Transaction, error) {
	if d.isClosed() {
		return nil, transport.ErrClosed
	}
	return &Tx{driver: d}, nil
}

// Capabilities reports the driver capabilities.
func (d *Driver) Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Depth returns the number of messages waiting on path.
func (d *Driver) Depth(ctx context.Context, path string) (int64, error) {
	var count int64
	// #nosec G201 - table name is derived from the validated schema name
	err := d.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE queue = $1`, d.table), path).Scan(&count)
	return count, classify(path, err)
}

// DB returns the underlying database connection for advanced use cases.
func (d *Driver) DB() *sql.DB {
	return d.db
}

// Close closes the connection pool.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	return d.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dequeueSQL removes the oldest message that no other transaction holds.
func (d *Driver) dequeueSQL() string {
	// #nosec G201 - table name is derived from the validated schema name
	return fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue = $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING uuid, label, correlation_id, body, recoverable
	`, d.table)
}

func (d *Driver) dequeue(ctx context.Context, ex execer, path string) (*transport.Message, error) {
	var msg transport.Message
	err := ex.QueryRowContext(ctx, d.dequeueSQL(), path).
		Scan(&msg.ID, &msg.Label, &msg.CorrelationID, &msg.Body, &msg.Recoverable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (d *Driver) enqueue(ctx context.Context, ex execer, path string, msg *transport.Message) error {
	id := msg.ID
	if id == "" {
		id = ids.NewMessageID()
	}
	body := msg.Body
	if body == nil {
		body = []byte{}
	}
	// #nosec G201 - table name is derived from the validated schema name
	_, err := ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (queue, uuid, label, correlation_id, body, recoverable)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, d.table), path, id, msg.Label, msg.CorrelationID, body, msg.Recoverable)
	return err
}

type queue struct {
	driver *Driver
	path   string

	mu     sync.Mutex
	closed bool
}

func (q *queue) Path() string { return q.path }

func (q *queue) check() error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed || q.driver.isClosed() {
		return transport.ErrClosed
	}
	return nil
}

// Receive polls until a message is dequeued or the deadline passes. Inside a
// transaction every attempt runs on the transaction, whose READ COMMITTED
// statements each see newly committed messages.
func (q *queue) Receive(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	pgTx, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	var ex execer = q.driver.db
	if pgTx != nil {
		ex = pgTx.sqlTx
	}

	deadline := transport.Deadline(ctx, timeout)
	for {
		msg, err := q.driver.dequeue(ctx, ex, q.path)
		if err != nil {
			return nil, classify(q.path, err)
		}
		if msg != nil {
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}
		wait := min(q.driver.config.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *queue) Send(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if err := q.check(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("postgres: message is required")
	}
	pgTx, err := asTx(tx)
	if err != nil {
		return err
	}
	var ex execer = q.driver.db
	if pgTx != nil {
		ex = pgTx.sqlTx
	}
	return classify(q.path, q.driver.enqueue(ctx, ex, q.path, msg))
}

func (q *queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Tx is a PostgreSQL transaction.
type Tx struct {
	driver *Driver

	mu    sync.Mutex
	sqlTx *sql.Tx
	done  bool
}

func asTx(tx transport.Transaction) (*Tx, error) {
	if tx == nil {
		return nil, nil
	}
	pgTx, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("postgres: foreign transaction type %T", tx)
	}
	pgTx.mu.Lock()
	defer pgTx.mu.Unlock()
	if pgTx.sqlTx == nil || pgTx.done {
		return nil, fmt.Errorf("postgres: transaction is not active")
	}
	return pgTx, nil
}

// Begin starts the underlying sql.Tx.
func (t *Tx) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sqlTx != nil || t.done {
		return fmt.Errorf("postgres: transaction already started")
	}
	sqlTx, err := t.driver.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}
	t.sqlTx = sqlTx
	return nil
}

// Commit commits the underlying sql.Tx.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sqlTx == nil || t.done {
		return fmt.Errorf("postgres: transaction is not active")
	}
	t.done = true
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit transaction: %w", err)
	}
	return nil
}

// Close rolls back an uncommitted transaction.
func (t *Tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sqlTx == nil || t.done {
		t.done = true
		return nil
	}
	t.done = true
	if err := t.sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.driver.logger.Error("failed to rollback transaction", err, nil)
		return err
	}
	return nil
}

// classify maps privilege and authentication failures to
// *transport.AccessDeniedError.
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeInsufficientPrivilege, codeInvalidAuthorization, codeInvalidPassword:
			return &transport.AccessDeniedError{Path: path, Err: err}
		}
	}
	return err
}
