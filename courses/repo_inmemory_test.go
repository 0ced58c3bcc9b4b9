package courses_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/courses"
	"github.com/questgate/questgate/internal/errors"
)

func TestGetMissingCourse(t *testing.T) {
	repo := courses.NewInMemoryRepo(time.Hour)

	_, err := repo.Get(context.Background(), "1241", "CS", "341")
	require.ErrorIs(t, err, errors.ErrCourseNotFound)
}

func TestUpsertThenGet(t *testing.T) {
	repo := courses.NewInMemoryRepo(time.Hour)
	sections := automation.SearchResult{"LEC 001": {"MC 4020", "J. Smith"}}

	err := repo.Upsert(context.Background(), &courses.Course{
		Term:        "1241",
		Subject:     "CS",
		ClassNumber: "341",
		Sections:    sections,
		FetchedAt:   time.Now(),
	})
	require.NoError(t, err)

	course, err := repo.Get(context.Background(), "1241", "CS", "341")
	require.NoError(t, err)
	require.Equal(t, sections, course.Sections)
}

func TestStaleEntryIsAMiss(t *testing.T) {
	now := time.Now()
	repo := courses.NewInMemoryRepo(time.Hour, courses.WithNowTime(func() time.Time { return now }))

	err := repo.Upsert(context.Background(), &courses.Course{
		Term:        "1241",
		Subject:     "CS",
		ClassNumber: "341",
		Sections:    automation.SearchResult{"LEC 001": {"MC 4020", "J. Smith"}},
		FetchedAt:   now,
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = repo.Get(context.Background(), "1241", "CS", "341")
	require.ErrorIs(t, err, errors.ErrCourseNotFound)
}

func TestUpsertReplacesSections(t *testing.T) {
	repo := courses.NewInMemoryRepo(time.Hour)
	ctx := context.Background()

	for _, professor := range []string{"J. Smith", "A. Jones"} {
		err := repo.Upsert(ctx, &courses.Course{
			Term:        "1241",
			Subject:     "CS",
			ClassNumber: "341",
			Sections:    automation.SearchResult{"LEC 001": {"MC 4020", professor}},
			FetchedAt:   time.Now(),
		})
		require.NoError(t, err)
	}

	course, err := repo.Get(ctx, "1241", "CS", "341")
	require.NoError(t, err)
	require.Equal(t, "A. Jones", course.Sections["LEC 001"][1])
}
