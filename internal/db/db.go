package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/linktrace/redirector/internal"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// attempt is one connect attempt shared by every caller that raced it.
type attempt struct {
	done chan struct{}
	pool *sql.DB
	err  error
}

// Manager owns the process-wide connection pool. The pool is opened
// lazily on first Acquire; concurrent callers during startup share a
// single connect attempt. A pool reported broken via Invalidate is
// discarded so the next Acquire reconnects.
type Manager struct {
	connString string
	timeout    time.Duration
	connect    func(ctx context.Context, connString string) (*sql.DB, error)

	mu      sync.Mutex
	current *attempt
}

func NewManager(connString string, timeout time.Duration) *Manager {
	return &Manager{
		connString: connString,
		timeout:    timeout,
		connect:    connectSQLite,
	}
}

// Acquire returns the shared pool, starting a connect attempt if none
// is cached. The attempt is stored before it completes, so callers
// racing the first connect wait on the same attempt instead of opening
// duplicate pools.
func (m *Manager) Acquire(ctx context.Context) (*sql.DB, error) {
	if m.connString == "" {
		return nil, internal.ErrNoConnString
	}

	m.mu.Lock()
	at := m.current
	if at == nil {
		at = &attempt{done: make(chan struct{})}
		m.current = at
		go m.run(at)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	select {
	case <-at.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire pool: %w", ctx.Err())
	}

	if at.err != nil {
		// a failed attempt is not cached; the next caller reconnects
		m.mu.Lock()
		if m.current == at {
			m.current = nil
		}
		m.mu.Unlock()
		return nil, at.err
	}
	return at.pool, nil
}

func (m *Manager) run(at *attempt) {
	at.pool, at.err = m.connect(context.Background(), m.connString)
	if at.err != nil {
		log.Error().Err(at.err).Msg("database connect failed")
	} else {
		log.Debug().Msg("database connection successful")
	}
	close(at.done)
}

// Invalidate discards the cached pool after a fatal pool error. Only
// the currently cached pool is dropped; callers still holding it see
// their own query errors and are not retried here.
func (m *Manager) Invalidate(pool *sql.DB) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := m.current
	if at == nil {
		return
	}
	select {
	case <-at.done:
	default:
		return // connect still in flight
	}
	if at.pool != pool {
		return
	}
	m.current = nil
	_ = pool.Close()
	log.Warn().Msg("database pool invalidated, next acquire reconnects")
}

// QueryContext bounds a single query or insert with the manager's
// configured timeout so a degraded store cannot hang a request.
func (m *Manager) QueryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// InvalidateIfBroken probes a pool after a query fault and discards it
// when the probe fails too, treating the fault as pool-level fatal.
func (m *Manager) InvalidateIfBroken(pool *sql.DB) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		m.Invalidate(pool)
	}
}

func connectSQLite(ctx context.Context, connString string) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", connString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// FormatDSN adds the file: scheme and pragmas for safe concurrent use
// when the configured connection string is a bare path.
// See: https://pkg.go.dev/modernc.org/sqlite#pkg-overview
func FormatDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	params := url.Values{}
	params.Set("cache", "shared")
	params.Set("mode", "rwc")
	params.Set("_time_format", "sqlite")
	params.Set("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_busy_timeout", "5000")

	return path + "?" + params.Encode()
}

// Migrate creates the redirect, click and bot-audit tables when they
// do not exist. Production schema is owned externally; this is only
// for development bootstrap (DB_BOOTSTRAP=1) and tests.
func Migrate(ctx context.Context, pool *sql.DB, redirectTable, clickTable, botAuditTable string) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		token TEXT PRIMARY KEY,
		destination_url TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS %[2]s (
		click_id TEXT PRIMARY KEY,
		tracked_date TEXT NOT NULL,
		load_ts TEXT NOT NULL,
		link_id TEXT NOT NULL,
		device TEXT,
		os TEXT,
		country TEXT,
		state TEXT,
		city TEXT,
		ipaddress TEXT,
		click_count INTEGER NOT NULL DEFAULT 1,
		referrer TEXT,
		crawler TEXT,
		campaign_id TEXT,
		execution_id TEXT,
		recipient_id TEXT
	);

	CREATE TABLE IF NOT EXISTS %[3]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL,
		user_agent TEXT,
		crawler TEXT,
		seen_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_%[2]s_link_id ON %[2]s(link_id);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_tracked_date ON %[2]s(tracked_date);
	`, redirectTable, clickTable, botAuditTable)

	_, err := pool.ExecContext(ctx, schema)
	return err
}
