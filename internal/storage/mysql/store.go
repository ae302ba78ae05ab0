// Package mysql implements storage.Store on a MySQL-compatible server. One
// *sql.DB carries the bounded connection pool; every task mutation and its
// event share a transaction.
package mysql

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/lesleslie/mahavishnu/internal/faults"
)

// TLS modes accepted by Config.TLSMode.
const (
	TLSDisable = "disable"
	TLSPrefer  = "prefer"
	TLSRequire = "require"
)

// Connection states reported by Status.
const (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
)

// Config holds connection parameters for the store.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// TLSMode is disable, prefer, or require. TLSCA optionally pins the
	// server certificate authority when mode is require.
	TLSMode string
	TLSCA   string

	// Pool bounds. MinConns maps to the idle pool floor, MaxConns caps
	// open connections.
	MinConns int
	MaxConns int

	// ConnectTimeout bounds Open's dial plus ping. QueryTimeout is applied
	// to any call whose context has no deadline of its own.
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	// RetryEnabled turns on a bounded retry of individual reads that fail
	// with a transient error. Off by default: callers own retry policy.
	RetryEnabled    bool
	RetryMaxElapsed time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Port == 0 {
		out.Port = 3306
	}
	if out.TLSMode == "" {
		out.TLSMode = TLSDisable
	}
	if out.MinConns <= 0 {
		out.MinConns = 2
	}
	if out.MaxConns < out.MinConns {
		out.MaxConns = out.MinConns * 4
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = 30 * time.Second
	}
	if out.RetryMaxElapsed <= 0 {
		out.RetryMaxElapsed = 15 * time.Second
	}
	return out
}

// PoolStats is the health-probe snapshot of the connection pool.
type PoolStats struct {
	Size     int `json:"size"`
	Idle     int `json:"idle"`
	InUse    int `json:"in_use"`
	MinConns int `json:"min_conns"`
	MaxConns int `json:"max_conns"`
}

// Store is the MySQL-backed implementation of storage.Store.
type Store struct {
	db    *sql.DB
	cfg   Config
	state atomic.Int32 // 0 disconnected, 1 connecting, 2 connected
}

// Open connects, verifies the server with a retried ping bounded by
// ConnectTimeout, and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if cfg.TLSMode != TLSDisable && cfg.TLSMode != TLSPrefer && cfg.TLSMode != TLSRequire {
		return nil, faults.Validation("tls_mode", "unknown TLS mode %q", cfg.TLSMode)
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg}
	s.state.Store(1)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		s.state.Store(0)
		return nil, faults.FatalDB("failed to open database handle", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	s.db = db

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = cfg.ConnectTimeout
	err = backoff.Retry(func() error {
		if err := db.PingContext(pingCtx); err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, pingCtx))
	if err != nil {
		_ = db.Close()
		s.state.Store(0)
		if isTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.TransientDB("connect timed out", err)
		}
		return nil, faults.FatalDB("connect failed", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		s.state.Store(0)
		return nil, err
	}
	s.state.Store(2)
	return s, nil
}

func buildDSN(cfg Config) (string, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = cfg.ConnectTimeout
	mc.MultiStatements = true // schema bootstrap runs several statements

	switch cfg.TLSMode {
	case TLSDisable:
		mc.TLSConfig = "false"
	case TLSPrefer:
		mc.TLSConfig = "preferred"
	case TLSRequire:
		if cfg.TLSCA != "" {
			pem, err := os.ReadFile(cfg.TLSCA)
			if err != nil {
				return "", fmt.Errorf("failed to read TLS CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return "", fmt.Errorf("failed to parse TLS CA %s", cfg.TLSCA)
			}
			if err := mysql.RegisterTLSConfig("mahavishnu", &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			}); err != nil {
				return "", fmt.Errorf("failed to register TLS config: %w", err)
			}
			mc.TLSConfig = "mahavishnu"
		} else {
			mc.TLSConfig = "true"
		}
	}
	return mc.FormatDSN(), nil
}

// Status returns the connection state label.
func (s *Store) Status() string {
	switch s.state.Load() {
	case 2:
		return StateConnected
	case 1:
		return StateConnecting
	default:
		return StateDisconnected
	}
}

// HealthProbe runs a trivial round trip and snapshots the pool.
func (s *Store) HealthProbe(ctx context.Context) (*PoolStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return nil, s.classify("ping", err)
	}
	st := s.db.Stats()
	return &PoolStats{
		Size:     st.OpenConnections,
		Idle:     st.Idle,
		InUse:    st.InUse,
		MinConns: s.cfg.MinConns,
		MaxConns: s.cfg.MaxConns,
	}, nil
}

// Close releases the pool and returns the store to DISCONNECTED.
func (s *Store) Close() error {
	s.state.Store(0)
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// opCtx applies the configured query timeout when the caller supplied no
// deadline of its own.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// withTx runs fn inside a transaction; rollback happens on every non-commit
// exit path. Nested scopes are not supported.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.classify("commit transaction", err)
	}
	return nil
}

// queryRetry wraps a read with bounded backoff when retries are enabled.
// Mutations are never retried here; callers own that policy.
func (s *Store) queryRetry(ctx context.Context, fn func() error) error {
	if !s.cfg.RetryEnabled {
		return fn()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.cfg.RetryMaxElapsed
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if faults.IsKind(err, faults.KindTransientDB) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// classify maps driver failures onto the fault taxonomy. Duplicate-key
// violations become CONFLICT so callers can act on them (idempotency-key
// races re-read instead of failing).
func (s *Store) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.TransientDB(fmt.Sprintf("%s timed out", op), err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return faults.TransientDB(fmt.Sprintf("%s lost connection", op), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.TransientDB(fmt.Sprintf("%s timed out", op), err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number == erDupEntry {
			return faults.Conflict("%s: duplicate entry: %s", op, myErr.Message)
		}
		return faults.FatalDB(fmt.Sprintf("%s failed", op), err)
	}
	if isTransient(err) {
		return faults.TransientDB(fmt.Sprintf("%s failed", op), err)
	}
	return faults.FatalDB(fmt.Sprintf("%s failed", op), err)
}

// erDupEntry is MySQL's duplicate-key error number.
const erDupEntry = 1062

// isTransient matches connection-level failures worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	msg := err.Error()
	for _, pattern := range []string{
		"connection refused",
		"bad connection",
		"broken pipe",
		"connection reset",
		"i/o timeout",
		"invalid connection",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
