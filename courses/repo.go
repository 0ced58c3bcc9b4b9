// Package courses caches class search results so repeated searches answer
// without driving the portal.
package courses

import (
	"context"
	"time"

	"github.com/questgate/questgate/automation"
)

type Course struct {
	Term        string
	Subject     string
	ClassNumber string
	Sections    automation.SearchResult
	FetchedAt   time.Time
}

// Repo defines the course-info cache. Get returns ErrCourseNotFound for
// misses and for entries older than the repo's TTL.
type Repo interface {
	Get(ctx context.Context, term, subject, classNumber string) (*Course, error)
	Upsert(ctx context.Context, course *Course) error
}
