package courses

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/internal/errors"
)

var _ Repo = (*PgxRepo)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS course_info (
	term         TEXT NOT NULL,
	subject      TEXT NOT NULL,
	class_number TEXT NOT NULL,
	sections     JSONB NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (term, subject, class_number)
)`

// PgxRepo persists the course cache in Postgres so it survives restarts
// and is shared between gateway processes pointed at the same database.
type PgxRepo struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPgxRepo(ctx context.Context, databaseURL string, ttl time.Duration) (*PgxRepo, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "[NewPgxRepo] connecting")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, "[NewPgxRepo] ensuring schema")
	}
	return &PgxRepo{pool: pool, ttl: ttl}, nil
}

func (r *PgxRepo) Get(ctx context.Context, term, subject, classNumber string) (*Course, error) {
	var (
		raw       []byte
		fetchedAt time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT sections, fetched_at FROM course_info
		 WHERE term = $1 AND subject = $2 AND class_number = $3 AND fetched_at > $4`,
		term, subject, classNumber, time.Now().Add(-r.ttl),
	).Scan(&raw, &fetchedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrCourseNotFound, "[PgxRepo.Get] %s %s %s", term, subject, classNumber)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[PgxRepo.Get] query")
	}

	var sections automation.SearchResult
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, errors.Wrapf(err, "[PgxRepo.Get] decoding sections")
	}
	return &Course{
		Term:        term,
		Subject:     subject,
		ClassNumber: classNumber,
		Sections:    sections,
		FetchedAt:   fetchedAt,
	}, nil
}

func (r *PgxRepo) Upsert(ctx context.Context, course *Course) error {
	raw, err := json.Marshal(course.Sections)
	if err != nil {
		return errors.Wrapf(err, "[PgxRepo.Upsert] encoding sections")
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO course_info (term, subject, class_number, sections, fetched_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (term, subject, class_number)
		 DO UPDATE SET sections = EXCLUDED.sections, fetched_at = EXCLUDED.fetched_at`,
		course.Term, course.Subject, course.ClassNumber, raw, course.FetchedAt,
	)
	return errors.Wrapf(err, "[PgxRepo.Upsert] exec")
}

func (r *PgxRepo) Close() {
	r.pool.Close()
}
