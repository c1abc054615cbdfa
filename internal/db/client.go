// Package db is the durable relational store shared by C5 (session/drift)
// and C6 (policy): an embedded, WAL-mode SQLite file, wrapped in the same
// connection-pool + circuit-breaker + async-write-queue shape the teacher's
// Postgres client used, adapted to an engine-agnostic *sql.DB.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fencio-dev/driftguard/internal/circuitbreaker"
)

// Config holds database configuration.
type Config struct {
	// Path is the SQLite file path (":memory:" for tests).
	Path            string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client manages the database connection and async write queue.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	sqlxDB *sqlx.DB
	logger *zap.Logger
	config *Config

	writeQueue chan writeJob
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// writeJob is a unit of best-effort async work, used for writes whose
// failure only degrades observability (e.g. EnforceCall inserts) per §7's
// fail-soft discipline.
type writeJob struct {
	fn       func(ctx context.Context) error
	callback func(error)
}

// NewClient opens the SQLite database in WAL mode and starts the async
// write-worker pool.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 30 * time.Minute
	}
	if config.Path == "" {
		config.Path = "driftguard.db"
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", config.Path)
	rawDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rawDB.SetMaxOpenConns(config.MaxConnections)
	rawDB.SetMaxIdleConns(config.IdleConnections)
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapped.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:         wrapped,
		sqlxDB:     sqlx.NewDb(rawDB, "sqlite3"),
		logger:     logger,
		config:     config,
		writeQueue: make(chan writeJob, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}
	if err := client.migrate(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	client.startWorkers()
	logger.Info("database client initialized", zap.String("path", config.Path))
	return client, nil
}

func (c *Client) migrate(ctx context.Context) error {
	_, err := c.db.GetDB().ExecContext(ctx, schemaSQL)
	return err
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker()
	}
}

func (c *Client) writeWorker() {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			return
		case job := <-c.writeQueue:
			c.runJob(job)
		}
	}
}

func (c *Client) runJob(job writeJob) {
	err := job.fn(context.Background())
	if job.callback != nil {
		job.callback(err)
	}
	if err != nil {
		c.logger.Warn("async write failed", zap.Error(err))
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case job := <-c.writeQueue:
			c.runJob(job)
		case <-timeout:
			return
		default:
			return
		}
	}
}

// QueueWrite enqueues fn for asynchronous, best-effort execution. If the
// queue is full it falls back to running fn synchronously rather than
// dropping the write.
func (c *Client) QueueWrite(fn func(ctx context.Context) error, callback func(error)) {
	select {
	case c.writeQueue <- writeJob{fn: fn, callback: callback}:
	default:
		c.runJob(writeJob{fn: fn, callback: callback})
	}
}

// Close drains the write queue and closes the database connection.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	return c.db.Close()
}

// GetDB returns the underlying connection for direct queries.
func (c *Client) GetDB() *sql.DB { return c.db.GetDB() }

// SqlxDB returns a struct-scanning query layer over the same underlying
// connection, for call sites that would otherwise hand-roll rows.Scan
// boilerplate over a fixed column set (e.g. session/policy row reads).
func (c *Client) SqlxDB() *sqlx.DB { return c.sqlxDB }

// WithTransactionCB runs fn inside a circuit-breaker-protected transaction.
func (c *Client) WithTransactionCB(ctx context.Context, fn func(*circuitbreaker.TxWrapper) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// WithTransaction runs fn inside a plain *sql.Tx, bypassing the circuit
// breaker (used for reads/writes the breaker need not gate individually).
func (c *Client) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	rawTx, err := c.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			rawTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(rawTx); err != nil {
		if rbErr := rawTx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := rawTx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper { return c.db }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS policies_v2 (
	tenant_id      TEXT NOT NULL,
	id             TEXT NOT NULL,
	name           TEXT NOT NULL,
	status         TEXT NOT NULL,
	type           TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	layer          TEXT,
	scope_json     TEXT,
	constraints_json TEXT,
	rules          TEXT,
	notes          TEXT,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	agent_id         TEXT PRIMARY KEY,
	call_count       INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	last_seen_at     TIMESTAMP NOT NULL,
	initial_vector   BLOB,
	cumulative_drift REAL NOT NULL DEFAULT 0,
	last_vector      BLOB,
	action_history_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS enforce_calls (
	call_id            TEXT PRIMARY KEY,
	agent_id           TEXT NOT NULL,
	ts_ms              INTEGER NOT NULL,
	decision           TEXT NOT NULL,
	op                 TEXT NOT NULL,
	t                  TEXT NOT NULL,
	enforcement_result TEXT,
	intent_event       TEXT,
	is_dry_run         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_enforce_calls_agent ON enforce_calls(agent_id, ts_ms);
CREATE INDEX IF NOT EXISTS idx_policies_v2_tenant ON policies_v2(tenant_id);
`
