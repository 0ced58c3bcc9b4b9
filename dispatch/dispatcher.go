// Package dispatch routes post-authentication commands to the session's
// automation adapter and translates results into wire responses.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/courses"
	"github.com/questgate/questgate/internal/errors"
	"github.com/questgate/questgate/internal/metrics"
	"github.com/questgate/questgate/sessions"
	"github.com/questgate/questgate/wire"
)

const (
	CmdSearch  = "SEARCH"
	CmdSignOut = "SIGN OUT"
	CmdQuit    = "QUIT"
)

// Outcome tells the connection handler what to do after a command.
type Outcome int

const (
	// OutcomeContinue: keep pumping frames.
	OutcomeContinue Outcome = iota
	// OutcomeClose: close the transport; the normal disconnect policy
	// applies (QUIT, or a dead portal session).
	OutcomeClose
	// OutcomeSignOut: the session was revoked explicitly; close the
	// transport with nothing left to detach.
	OutcomeSignOut
)

// ArgReader pulls the next client frame; the connection handler supplies
// one bound to the transport.
type ArgReader func(ctx context.Context) (string, error)

// Dispatcher handles commands for one authenticated connection. Commands
// are processed strictly in arrival order; the single reader goroutine per
// connection makes that structural.
type Dispatcher struct {
	session *sessions.Session
	store   *sessions.Store
	courses courses.Repo
	nowTime func() time.Time
	logger  zerolog.Logger
}

type Option func(*Dispatcher)

// WithNowTime sets the clock (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(d *Dispatcher) {
		d.nowTime = nowFunc
	}
}

func New(session *sessions.Session, store *sessions.Store, courseRepo courses.Repo, options ...Option) *Dispatcher {
	d := &Dispatcher{
		session: session,
		store:   store,
		courses: courseRepo,
		nowTime: time.Now,
		logger:  log.With().Str("token", session.Token).Logger(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Handle processes one command frame. A nil response with OutcomeContinue
// never happens; callers send the response when non-nil and then act on
// the outcome. Transport-level read failures surface as errors and end
// the connection.
func (d *Dispatcher) Handle(ctx context.Context, command string, readArg ArgReader) (*wire.Response, Outcome, error) {
	switch command {
	case CmdSearch:
		resp, err := d.handleSearch(ctx, readArg)
		if err != nil {
			return nil, OutcomeClose, err
		}
		return resp, OutcomeContinue, nil
	case CmdSignOut:
		d.logger.Info().Msg("sign out requested")
		d.store.Revoke(d.session.Token)
		return nil, OutcomeSignOut, nil
	case CmdQuit:
		d.logger.Info().Msg("quit requested")
		return nil, OutcomeClose, nil
	default:
		d.logger.Warn().Str("command", command).Msg("invalid request")
		resp := wire.Failure(wire.StatusCommandError, "invalid request")
		return &resp, OutcomeContinue, nil
	}
}

func (d *Dispatcher) handleSearch(ctx context.Context, readArg ArgReader) (*wire.Response, error) {
	query, err := readQuery(ctx, readArg)
	if err != nil {
		return nil, err
	}
	d.store.Touch(d.session.Token)

	d.logger.Info().
		Str("term", query.Term).
		Str("subject", query.Subject).
		Str("class", query.ClassNumber).
		Msg("search request")

	if bad := validateQuery(query); bad != "" {
		metrics.Searches.WithLabelValues(metrics.OutcomeFailure).Inc()
		resp := wire.Failure(wire.StatusCommandError, bad)
		return &resp, nil
	}

	if cached, err := d.courses.Get(ctx, query.Term, query.Subject, query.ClassNumber); err == nil {
		metrics.CourseCacheHits.Inc()
		metrics.Searches.WithLabelValues(metrics.OutcomeSuccess).Inc()
		resp := wire.Success(cached.Sections)
		return &resp, nil
	}

	result, err := d.runSearch(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			// Connection gone mid-search; the adapter call finishes in
			// the background and its result is discarded.
			return nil, err
		}
		metrics.Searches.WithLabelValues(metrics.OutcomeFailure).Inc()
		resp := wire.FailureFor(err)
		return &resp, nil
	}

	metrics.Searches.WithLabelValues(metrics.OutcomeSuccess).Inc()
	resp := wire.Success(result)
	return &resp, nil
}

// runSearch drives the adapter on a background goroutine so a dying
// connection can abandon the wait without interrupting the browser. The
// background completion still refreshes lastActiveAt and feeds the cache.
func (d *Dispatcher) runSearch(ctx context.Context, query automation.Query) (automation.SearchResult, error) {
	type searchOutcome struct {
		result automation.SearchResult
		err    error
	}
	done := make(chan searchOutcome, 1)

	go func() {
		result, err := d.session.Adapter.Search(context.Background(), query)
		d.store.Touch(d.session.Token)
		if err == nil {
			upsertErr := d.courses.Upsert(context.Background(), &courses.Course{
				Term:        query.Term,
				Subject:     query.Subject,
				ClassNumber: query.ClassNumber,
				Sections:    result,
				FetchedAt:   d.nowTime(),
			})
			if upsertErr != nil {
				d.logger.Warn().Err(upsertErr).Msg("caching search result")
			}
		}
		done <- searchOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[Dispatcher.runSearch] connection closed mid-search")
	}
}

func readQuery(ctx context.Context, readArg ArgReader) (automation.Query, error) {
	var query automation.Query
	for _, field := range []*string{&query.Term, &query.Subject, &query.ClassNumber} {
		value, err := readArg(ctx)
		if err != nil {
			return automation.Query{}, errors.Wrapf(err, "[readQuery] reading argument")
		}
		*field = value
	}
	return query, nil
}

func validateQuery(q automation.Query) string {
	if len(q.Term) != 4 || !allDigits(q.Term) {
		return "term must be a 4-digit code"
	}
	if q.Subject == "" {
		return "subject required"
	}
	if q.ClassNumber == "" {
		return "class number required"
	}
	return ""
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
