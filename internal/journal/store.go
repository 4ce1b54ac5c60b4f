// Package journal keeps a Postgres record of every delivery outcome and
// serves the per-destination checkpoints the sequence tracker is seeded
// from at startup.
package journal

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// Schema creates the journal table. It is safe to run on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS delivery_journal (
	id SERIAL PRIMARY KEY,
	event_id VARCHAR(64) NOT NULL,
	destination VARCHAR(255) NOT NULL,
	artifact VARCHAR(255) NOT NULL,
	sequence_number BIGINT NOT NULL,
	status VARCHAR(50) NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	quarantine_path TEXT,
	error TEXT,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS delivery_journal_dest_status
	ON delivery_journal (destination, status, sequence_number);`

type Store interface {
	Append(ctx context.Context, r Record) (*Record, error)
	Checkpoints(ctx context.Context) (map[delivery.Destination]int64, error)
	Recent(ctx context.Context, dest delivery.Destination, limit int) ([]*Record, error)
	WasDelivered(ctx context.Context, dest delivery.Destination, a delivery.Artifact) (bool, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, r Record) (*Record, error) {
	query := `
        INSERT INTO delivery_journal
            (event_id, destination, artifact, sequence_number, status, attempts, quarantine_path, error, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
        RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		r.EventID, r.Destination, r.Artifact, r.SequenceNumber, r.Status,
		r.Attempts, r.QuarantinePath, r.Error, r.RecordedAt,
	).Scan(&r.ID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Checkpoints returns the highest delivered sequence per destination.
func (s *PostgresStore) Checkpoints(ctx context.Context) (map[delivery.Destination]int64, error) {
	query := `
        SELECT destination, MAX(sequence_number)
        FROM delivery_journal
        WHERE status = $1
        GROUP BY destination`

	rows, err := s.db.QueryContext(ctx, query, StatusDelivered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[delivery.Destination]int64)
	for rows.Next() {
		var dest string
		var seq int64
		if err := rows.Scan(&dest, &seq); err != nil {
			return nil, err
		}
		out[delivery.Destination(dest)] = seq
	}
	return out, rows.Err()
}

func (s *PostgresStore) Recent(ctx context.Context, dest delivery.Destination, limit int) ([]*Record, error) {
	query := `
        SELECT id, event_id, destination, artifact, sequence_number, status, attempts,
               COALESCE(quarantine_path, ''), COALESCE(error, ''), recorded_at
        FROM delivery_journal
        WHERE destination = $1
        ORDER BY id DESC
        LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, string(dest), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// WasDelivered reports whether a delivered row exists for this artifact
// name at dest.
func (s *PostgresStore) WasDelivered(ctx context.Context, dest delivery.Destination, a delivery.Artifact) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM delivery_journal
            WHERE destination = $1 AND artifact = $2 AND status = $3
        )`

	var found bool
	err := s.db.QueryRowContext(ctx, query, string(dest), a.Name, StatusDelivered).Scan(&found)
	return found, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	err := row.Scan(
		&r.ID,
		&r.EventID,
		&r.Destination,
		&r.Artifact,
		&r.SequenceNumber,
		&r.Status,
		&r.Attempts,
		&r.QuarantinePath,
		&r.Error,
		&r.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Observer journals every status event except queued ones. Write failures
// are logged; the journal never holds up delivery.
func Observer(store Store, logger *zap.Logger) delivery.Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return delivery.ObserverFunc(func(ctx context.Context, e delivery.Event) {
		if e.Kind == delivery.EventQueued {
			return
		}
		if _, err := store.Append(context.WithoutCancel(ctx), RecordFromEvent(e)); err != nil {
			logger.Warn("journal append failed",
				zap.String("artifact", e.Artifact.Name),
				zap.String("event", string(e.Kind)),
				zap.Error(err))
		}
	})
}

// Seed loads checkpoints from store into tracker.
func Seed(ctx context.Context, store Store, tracker *delivery.SequenceTracker) error {
	checkpoints, err := store.Checkpoints(ctx)
	if err != nil {
		return err
	}
	for dest, seq := range checkpoints {
		tracker.Seed(dest, seq)
	}
	return nil
}

var _ delivery.History = (*PostgresStore)(nil)
