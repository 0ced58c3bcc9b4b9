package courses

import (
	"context"
	"sync"
	"time"

	"github.com/questgate/questgate/internal/errors"
)

var _ Repo = (*InMemoryRepo)(nil)

type InMemoryRepo struct {
	ttl     time.Duration
	nowTime func() time.Time

	lock    sync.RWMutex
	courses map[courseKey]*Course
}

type courseKey struct {
	term        string
	subject     string
	classNumber string
}

type InMemoryOption func(*InMemoryRepo)

// WithNowTime sets the clock (primarily for testing)
func WithNowTime(nowFunc func() time.Time) InMemoryOption {
	return func(r *InMemoryRepo) {
		r.nowTime = nowFunc
	}
}

func NewInMemoryRepo(ttl time.Duration, options ...InMemoryOption) *InMemoryRepo {
	r := &InMemoryRepo{
		ttl:     ttl,
		nowTime: time.Now,
		courses: make(map[courseKey]*Course),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func (r *InMemoryRepo) Get(_ context.Context, term, subject, classNumber string) (*Course, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	course, ok := r.courses[courseKey{term, subject, classNumber}]
	if !ok {
		return nil, errors.Wrapf(errors.ErrCourseNotFound, "[InMemoryRepo.Get] %s %s %s", term, subject, classNumber)
	}
	if r.nowTime().Sub(course.FetchedAt) > r.ttl {
		return nil, errors.Wrapf(errors.ErrCourseNotFound, "[InMemoryRepo.Get] entry stale")
	}
	return course, nil
}

func (r *InMemoryRepo) Upsert(_ context.Context, course *Course) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.courses[courseKey{course.Term, course.Subject, course.ClassNumber}] = course
	return nil
}
