package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/job"
)

// Entry is one archived terminal snapshot.
type Entry struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	State       string           `json:"state"`
	Progress    int              `json:"progress"`
	Message     string           `json:"message"`
	ErrorCode   string           `json:"error_code,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	Stats       map[string]int64 `json:"stats,omitempty"`
	Artifact    string           `json:"artifact,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	RemovedAt   time.Time        `json:"removed_at"`
}

// Store archives terminal job snapshots in Postgres. Appends run on their own
// goroutine so removal never waits on the database; an append failure is
// logged and forgotten, it can never affect a finished job.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a history store. pool may be nil, in which case Append is
// a no-op.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS job_history (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	progress     INT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	error_code   TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	stats        JSONB NOT NULL DEFAULT '{}',
	artifact     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	removed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS job_history_removed_at_idx ON job_history (removed_at DESC)`

// EnsureSchema creates the history table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

const insertSQL = `
INSERT INTO job_history (
	id, kind, state, progress, message, error_code, error_detail,
	stats, artifact, created_at, completed_at, removed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING`

// Append implements job.HistorySink.
func (s *Store) Append(snap job.Snapshot) error {
	if s.pool == nil {
		return nil
	}

	var errCode, errDetail string
	if snap.Error != nil {
		errCode = string(snap.Error.Code)
		errDetail = snap.Error.Message
	}
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		stats = []byte("{}")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.pool.Exec(ctx, insertSQL,
			snap.ID, string(snap.Kind), string(snap.State), snap.Progress,
			snap.Message, errCode, errDetail, stats, snap.Artifact,
			snap.CreatedAt, snap.CompletedAt, time.Now(),
		)
		if err != nil {
			log.Warn().Err(err).Str("jobID", snap.ID).Msg("failed to archive job history")
		}
	}()
	return nil
}

const listSQL = `
SELECT id, kind, state, progress, message, error_code, error_detail,
       stats, artifact, created_at, completed_at, removed_at
FROM job_history
ORDER BY removed_at DESC
LIMIT $1 OFFSET $2`

const countSQL = `SELECT COUNT(*) FROM job_history`

// Count returns the number of archived entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, nil
	}
	var total int64
	err := s.pool.QueryRow(ctx, countSQL).Scan(&total)
	return total, err
}

// List returns archived entries newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if s.pool == nil {
		return nil, nil
	}
	if limit < 1 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx, listSQL, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var stats []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.State, &e.Progress, &e.Message,
			&e.ErrorCode, &e.ErrorDetail, &stats, &e.Artifact,
			&e.CreatedAt, &e.CompletedAt, &e.RemovedAt); err != nil {
			return nil, err
		}
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &e.Stats); err != nil {
				log.Debug().Err(err).Str("jobID", e.ID).Msg("unreadable stats blob in history")
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
