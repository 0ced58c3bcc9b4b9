package adapterfakes

import (
	"context"
	"sync"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/internal/errors"
)

var _ automation.Adapter = (*FakeAdapter)(nil)
var _ automation.Factory = (*FakeFactory)(nil)

// FakeAdapter is a scripted in-memory stand-in for a browser-driven portal
// session. Configure the exported fields before use.
type FakeAdapter struct {
	ID string

	// Accepted credentials. Any other pair is rejected.
	Username string
	Password string

	// Non-empty means Login answers with a second-factor challenge that
	// must be resolved with SecondFactorCode.
	ChallengePrompt  string
	SecondFactorCode string

	// Results returned by Search, keyed by term+subject+classNumber.
	Results map[automation.Query]automation.SearchResult

	// SearchErr, when set, is returned by every Search call.
	SearchErr error

	lock         sync.Mutex
	signedIn     bool
	closed       bool
	LoginCalls   int
	SecondCalls  int
	SearchCalls  int
	LastQuery    automation.Query
	LastRemember bool
}

func (fa *FakeAdapter) Login(_ context.Context, creds automation.Credentials) (string, error) {
	fa.lock.Lock()
	defer fa.lock.Unlock()

	fa.LoginCalls++
	fa.LastRemember = creds.RememberMe
	if creds.Username != fa.Username || creds.Password != fa.Password {
		return "", errors.Wrapf(errors.ErrCredentialRejected, "[FakeAdapter.Login] %q", creds.Username)
	}
	if fa.ChallengePrompt != "" {
		return fa.ChallengePrompt, nil
	}
	fa.signedIn = true
	return "", nil
}

func (fa *FakeAdapter) SubmitSecondFactor(_ context.Context, code string) error {
	fa.lock.Lock()
	defer fa.lock.Unlock()

	fa.SecondCalls++
	if code != fa.SecondFactorCode {
		return errors.Wrapf(errors.ErrSecondFactorFailed, "[FakeAdapter.SubmitSecondFactor]")
	}
	fa.signedIn = true
	return nil
}

func (fa *FakeAdapter) Search(_ context.Context, q automation.Query) (automation.SearchResult, error) {
	fa.lock.Lock()
	defer fa.lock.Unlock()

	fa.SearchCalls++
	fa.LastQuery = q
	if !fa.signedIn {
		return nil, errors.Wrapf(errors.ErrSessionDead, "[FakeAdapter.Search] not signed in")
	}
	if fa.SearchErr != nil {
		return nil, fa.SearchErr
	}
	result, ok := fa.Results[q]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNoSections, "[FakeAdapter.Search] %s %s %s", q.Term, q.Subject, q.ClassNumber)
	}
	return result, nil
}

func (fa *FakeAdapter) IsAlive(_ context.Context) bool {
	fa.lock.Lock()
	defer fa.lock.Unlock()
	return fa.signedIn && !fa.closed
}

func (fa *FakeAdapter) Close(_ context.Context) error {
	fa.lock.Lock()
	defer fa.lock.Unlock()
	fa.closed = true
	fa.signedIn = false
	return nil
}

// Closed reports whether Close has been called.
func (fa *FakeAdapter) Closed() bool {
	fa.lock.Lock()
	defer fa.lock.Unlock()
	return fa.closed
}

// Kill marks the portal session dead without closing the adapter, as if
// the portal signed the browser out.
func (fa *FakeAdapter) Kill() {
	fa.lock.Lock()
	defer fa.lock.Unlock()
	fa.signedIn = false
}

// FakeFactory hands out pre-configured FakeAdapters and records how many
// instances were created.
type FakeFactory struct {
	// Template is copied into every new adapter.
	Template FakeAdapter

	// NewErr, when set, makes New fail.
	NewErr error

	lock    sync.Mutex
	Created []*FakeAdapter
}

func (ff *FakeFactory) New(_ context.Context, id string) (automation.Adapter, error) {
	ff.lock.Lock()
	defer ff.lock.Unlock()

	if ff.NewErr != nil {
		return nil, ff.NewErr
	}
	adapter := &FakeAdapter{
		ID:               id,
		Username:         ff.Template.Username,
		Password:         ff.Template.Password,
		ChallengePrompt:  ff.Template.ChallengePrompt,
		SecondFactorCode: ff.Template.SecondFactorCode,
		Results:          ff.Template.Results,
		SearchErr:        ff.Template.SearchErr,
	}
	ff.Created = append(ff.Created, adapter)
	return adapter, nil
}

// InstanceCount returns the number of adapters created so far.
func (ff *FakeFactory) InstanceCount() int {
	ff.lock.Lock()
	defer ff.lock.Unlock()
	return len(ff.Created)
}
