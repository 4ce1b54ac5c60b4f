// Package leader elects one active instance among replicas sharing a
// Postgres database, using a session-scoped advisory lock.
package leader

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

type Config struct {
	DB       *sql.DB
	LockID   int64
	Interval time.Duration
	Logger   *zap.Logger
}

// Election holds or contends for the advisory lock. The lock lives on one
// dedicated connection; losing that connection loses leadership.
type Election struct {
	mu       sync.RWMutex
	isLeader bool

	db       *sql.DB
	lockID   int64
	interval time.Duration
	logger   *zap.Logger

	conn   *sql.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewElection(cfg Config) (*Election, error) {
	if cfg.DB == nil {
		return nil, errors.New("leader election requires a database")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Election{
		db:       cfg.DB,
		lockID:   cfg.LockID,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}, nil
}

func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Start makes a first attempt synchronously and keeps contending in the
// background until ctx is cancelled or Close is called.
func (e *Election) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	e.tick(ctx)
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

func (e *Election) tick(ctx context.Context) {
	was := e.IsLeader()
	now, err := e.campaign(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("leader election attempt failed", zap.Error(err))
	}
	e.setLeader(now)

	switch {
	case now && !was:
		e.logger.Info("acquired leadership", zap.Int64("lock_id", e.lockID))
	case !now && was:
		e.logger.Warn("lost leadership", zap.Int64("lock_id", e.lockID))
	}
}

// campaign verifies a held lock or tries to take a free one.
func (e *Election) campaign(ctx context.Context) (bool, error) {
	if e.IsLeader() && e.conn != nil {
		if err := e.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		e.dropConn()
	}

	if e.conn == nil {
		conn, err := e.db.Conn(ctx)
		if err != nil {
			return false, err
		}
		e.conn = conn
	}

	var acquired bool
	err := e.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, e.lockID).Scan(&acquired)
	if err != nil {
		e.dropConn()
		return false, err
	}
	return acquired, nil
}

func (e *Election) setLeader(v bool) {
	e.mu.Lock()
	e.isLeader = v
	e.mu.Unlock()
}

func (e *Election) dropConn() {
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

// Close stops contending and releases the lock if held.
func (e *Election) Close() error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}

	var err error
	if e.IsLeader() && e.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.interval)
		_, err = e.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, e.lockID)
		cancel()
	}
	e.setLeader(false)
	e.dropConn()
	return err
}
