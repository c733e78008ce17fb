// Package registry is the durable store of builds.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/RugbyTeam/Rugby/internal/model"
)

var ErrNotFound = errors.New("build not found")

const schema = `CREATE TABLE IF NOT EXISTS builds (
	job_id TEXT PRIMARY KEY,
	commit_message TEXT NOT NULL DEFAULT '',
	commit_url TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	commit_timestamp TEXT NOT NULL DEFAULT '',
	finish_timestamp TEXT NOT NULL DEFAULT '',
	author_login TEXT NOT NULL DEFAULT '',
	author_email TEXT NOT NULL DEFAULT '',
	author_avatar_url TEXT NOT NULL DEFAULT '',
	contributors_email TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT ''
)`

// Registry stores BuildRecords in sqlite. It is safe for concurrent use,
// writes are serialized.
type Registry struct {
	mx  sync.Mutex
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Registry, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating builds table: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Insert stores rec. A record with the same job id is kept untouched, the
// conflict is logged only.
func (r *Registry) Insert(ctx context.Context, rec model.BuildRecord) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	res, err := r.db.NamedExecContext(ctx,
		`INSERT INTO builds (
			job_id, commit_message, commit_url, state, commit_timestamp, finish_timestamp,
			author_login, author_email, author_avatar_url, contributors_email, note
		) VALUES (
			:job_id, :commit_message, :commit_url, :state, :commit_timestamp, :finish_timestamp,
			:author_login, :author_email, :author_avatar_url, :contributors_email, :note
		) ON CONFLICT (job_id) DO NOTHING`, rec)
	if err != nil {
		return fmt.Errorf("inserting build %s: %w", rec.JobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.WarnContext(ctx, "build already exists", "job_id", rec.JobID)
	}
	return nil
}

// Update sets the state and note of a build. A terminal state sets the finish
// timestamp too. It returns ErrNotFound for an unknown id.
func (r *Registry) Update(ctx context.Context, id string, state model.State, note string) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	var finished *string
	if state.Terminal() {
		ts := model.Timestamp(r.now())
		finished = &ts
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE builds SET
			state = ?,
			note = ?,
			finish_timestamp = COALESCE(?, finish_timestamp)
		WHERE job_id = ?`, state, note, finished, id)
	if err != nil {
		return fmt.Errorf("updating build %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating build %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (model.BuildRecord, error) {
	var rec model.BuildRecord
	err := r.db.GetContext(ctx, &rec, `SELECT * FROM builds WHERE job_id = ?`, id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.BuildRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil:
		return model.BuildRecord{}, fmt.Errorf("getting build %s: %w", id, err)
	}
	return rec, nil
}

// List returns all builds ordered by commit timestamp and job id.
func (r *Registry) List(ctx context.Context) ([]model.BuildRecord, error) {
	recs := []model.BuildRecord{}
	err := r.db.SelectContext(ctx, &recs, `SELECT * FROM builds ORDER BY commit_timestamp, job_id`)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	return recs, nil
}
