// Package sqlite provides a SQLite-backed queue driver for dequeueflow.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/mattn/go-sqlite3"

	"github.com/drblury/dequeueflow/internal/runtime/ids"
	"github.com/drblury/dequeueflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultPollInterval is the default interval between dequeue attempts while
// waiting for a message.
const DefaultPollInterval = 50 * time.Millisecond

const memoryPath = ":memory:"

func init() {
	transport.Register(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite driver.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	return New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// PollInterval is the interval between dequeue attempts.
	PollInterval time.Duration
	// ReadOnly opens the database in query-only mode. Dequeues and sends then
	// fail with an access-denied error.
	ReadOnly bool
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "dequeueflow_queue.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

func (c Config) dsn() string {
	params := []string{"_busy_timeout=5000"}
	switch {
	case c.ReadOnly:
		params = append(params, "_query_only=true")
	case c.FilePath != memoryPath:
		params = append(params, "_journal_mode=WAL")
	}
	return c.FilePath + "?" + strings.Join(params, "&")
}

// Driver is a queue driver storing every queue in one SQLite table.
type Driver struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	// singleConn is set for in-memory databases, which live on one connection.
	singleConn bool

	mu     sync.RWMutex
	closed bool
}

// New opens (and if needed initialises) the SQLite database.
func New(cfg Config, logger watermill.LoggerAdapter) (*Driver, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	d := &Driver{db: db, config: cfg, logger: logger}
	if cfg.FilePath == memoryPath {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		d.singleConn = true
	}

	if !cfg.ReadOnly {
		if err := d.initSchema(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return d, nil
}

func (d *Driver) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		uuid TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		body BLOB,
		recoverable INTEGER NOT NULL DEFAULT 1,
		enqueued_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON queue_messages(queue, id);
	`
	_, err := d.db.Exec(schema)
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
		return nil, fmt.Errorf("sqlite: queue path is required")
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
	return transport.SQLiteCapabilities
}

// Depth returns the number of messages waiting on path.
func (d *Driver) Depth(ctx context.Context, path string) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, path).Scan(&count)
	return count, classify(path, err)
}

// DB returns the underlying database connection for advanced use cases.
func (d *Driver) DB() *sql.DB {
	return d.db
}

// Close closes the database.
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

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const dequeueSQL = `
	DELETE FROM queue_messages
	WHERE id = (SELECT id FROM queue_messages WHERE queue = ? ORDER BY id LIMIT 1)
	RETURNING uuid, label, correlation_id, body, recoverable
`

func dequeue(ctx context.Context, ex execer, path string) (*transport.Message, error) {
	var (
		msg         transport.Message
		recoverable int
	)
	err := ex.QueryRowContext(ctx, dequeueSQL, path).
		Scan(&msg.ID, &msg.Label, &msg.CorrelationID, &msg.Body, &recoverable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg.Recoverable = recoverable != 0
	return &msg, nil
}

func enqueue(ctx context.Context, ex execer, path string, msg *transport.Message) error {
	id := msg.ID
	if id == "" {
		id = ids.NewMessageID()
	}
	recoverable := 0
	if msg.Recoverable {
		recoverable = 1
	}
	body := msg.Body
	if body == nil {
		body = []byte{}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, uuid, label, correlation_id, body, recoverable)
		VALUES (?, ?, ?, ?, ?, ?)
	`, path, id, msg.Label, msg.CorrelationID, body, recoverable)
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

// Receive polls until a message is dequeued or the deadline passes.
func (q *queue) Receive(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	sqliteTx, err := asTx(tx)
	if err != nil {
		return nil, err
	}

	deadline := transport.Deadline(ctx, timeout)
	for {
		msg, done, err := q.tryDequeue(ctx, sqliteTx)
		if err != nil {
			return nil, classify(q.path, err)
		}
		if msg != nil {
			return msg, nil
		}
		if done {
			return nil, transport.ErrTimeout
		}

		wait := q.driver.config.PollInterval
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryDequeue makes one dequeue attempt. done reports that further attempts in
// this receive cannot succeed.
func (q *queue) tryDequeue(ctx context.Context, tx *Tx) (*transport.Message, bool, error) {
	if tx == nil {
		msg, err := dequeue(ctx, q.driver.db, q.path)
		return msg, false, err
	}

	if q.driver.singleConn {
		msg, err := dequeue(ctx, tx.sqlTx, q.path)
		return msg, false, err
	}

	// The first write inside the transaction takes the database write lock, so
	// only attempt it once a message is visible.
	var pending bool
	err := q.driver.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM queue_messages WHERE queue = ?)`, q.path).Scan(&pending)
	if err != nil || !pending {
		return nil, false, err
	}
	msg, err := dequeue(ctx, tx.sqlTx, q.path)
	if err != nil {
		return nil, false, err
	}
	// Another consumer won the race and the lock is now held until the
	// transaction ends.
	return msg, msg == nil, nil
}

func (q *queue) Send(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if err := q.check(); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("sqlite: message is required")
	}
	sqliteTx, err := asTx(tx)
	if err != nil {
		return err
	}
	var ex execer = q.driver.db
	if sqliteTx != nil {
		ex = sqliteTx.sqlTx
	}
	return classify(q.path, enqueue(ctx, ex, q.path, msg))
}

func (q *queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Tx is a SQLite transaction.
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
	sqliteTx, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("sqlite: foreign transaction type %T", tx)
	}
	sqliteTx.mu.Lock()
	defer sqliteTx.mu.Unlock()
	if sqliteTx.sqlTx == nil || sqliteTx.done {
		return nil, fmt.Errorf("sqlite: transaction is not active")
	}
	return sqliteTx, nil
}

// Begin starts the underlying sql.Tx. A ctx cancelled later rolls the
// transaction back, so callers pass a context that outlives the cycle.
func (t *Tx) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sqlTx != nil || t.done {
		return fmt.Errorf("sqlite: transaction already started")
	}
	sqlTx, err := t.driver.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}
	t.sqlTx = sqlTx
	return nil
}

// Commit commits the underlying sql.Tx.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sqlTx == nil || t.done {
		return fmt.Errorf("sqlite: transaction is not active")
	}
	t.done = true
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit transaction: %w", err)
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

// classify maps SQLite permission failures to *transport.AccessDeniedError.
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
			return &transport.AccessDeniedError{Path: path, Err: err}
		}
	}
	return err
}
