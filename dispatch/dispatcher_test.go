package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/automation/adapterfakes"
	"github.com/questgate/questgate/courses"
	"github.com/questgate/questgate/dispatch"
	"github.com/questgate/questgate/sessions"
	"github.com/questgate/questgate/wire"
)

var (
	testQuery    = automation.Query{Term: "1241", Subject: "CS", ClassNumber: "341"}
	testSections = automation.SearchResult{"LEC 001": {"MC 4020", "J. Smith"}}
)

type dispatchFixture struct {
	store      *sessions.Store
	adapter    *adapterfakes.FakeAdapter
	session    *sessions.Session
	courses    *courses.InMemoryRepo
	dispatcher *dispatch.Dispatcher
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()

	store := sessions.NewStore(30*time.Minute, 12*time.Hour)
	t.Cleanup(store.Close)

	adapter := &adapterfakes.FakeAdapter{
		Username: "alice",
		Password: "secret",
		Results:  map[automation.Query]automation.SearchResult{testQuery: testSections},
	}
	_, err := adapter.Login(context.Background(), automation.Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)

	session, err := store.Issue("alice", true, adapter)
	require.NoError(t, err)

	courseRepo := courses.NewInMemoryRepo(time.Hour)
	return &dispatchFixture{
		store:      store,
		adapter:    adapter,
		session:    session,
		courses:    courseRepo,
		dispatcher: dispatch.New(session, store, courseRepo),
	}
}

func argReader(args ...string) dispatch.ArgReader {
	i := 0
	return func(context.Context) (string, error) {
		arg := args[i]
		i++
		return arg, nil
	}
}

func (f *dispatchFixture) search(t *testing.T, args ...string) *wire.Response {
	t.Helper()

	resp, outcome, err := f.dispatcher.Handle(context.Background(), dispatch.CmdSearch, argReader(args...))
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeContinue, outcome)
	require.NotNil(t, resp)
	return resp
}

func TestSearchSuccess(t *testing.T) {
	f := newDispatchFixture(t)

	resp := f.search(t, "1241", "CS", "341")

	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Equal(t, testSections, resp.Payload)
	require.Equal(t, 1, f.adapter.SearchCalls)
}

func TestRepeatedSearchHitsCacheAndSameAdapter(t *testing.T) {
	f := newDispatchFixture(t)

	first := f.search(t, "1241", "CS", "341")
	second := f.search(t, "1241", "CS", "341")

	require.Equal(t, first.Payload, second.Payload)
	// The second search is answered from the cache; no new adapter work,
	// and certainly no new adapter instance.
	require.Equal(t, 1, f.adapter.SearchCalls)
}

func TestSearchNoSectionsIsRecoverable(t *testing.T) {
	f := newDispatchFixture(t)

	resp := f.search(t, "1241", "CS", "999")
	require.Equal(t, wire.StatusAutomationFault, resp.Status)

	// The connection stays usable.
	resp = f.search(t, "1241", "CS", "341")
	require.Equal(t, wire.StatusSuccess, resp.Status)
}

func TestSearchBadTermIsCommandError(t *testing.T) {
	f := newDispatchFixture(t)

	resp := f.search(t, "winter", "CS", "341")

	require.Equal(t, wire.StatusCommandError, resp.Status)
	require.Zero(t, f.adapter.SearchCalls)
}

func TestUnknownCommandIsRecoverable(t *testing.T) {
	f := newDispatchFixture(t)

	resp, outcome, err := f.dispatcher.Handle(context.Background(), "FOO", argReader())
	require.NoError(t, err)
	require.Equal(t, dispatch.OutcomeContinue, outcome)
	require.Equal(t, wire.StatusCommandError, resp.Status)

	// A valid SEARCH still works afterwards.
	searchResp := f.search(t, "1241", "CS", "341")
	require.Equal(t, wire.StatusSuccess, searchResp.Status)
}

func TestSignOutRevokesSession(t *testing.T) {
	f := newDispatchFixture(t)

	resp, outcome, err := f.dispatcher.Handle(context.Background(), dispatch.CmdSignOut, argReader())
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, dispatch.OutcomeSignOut, outcome)

	require.True(t, f.adapter.Closed())
	require.Zero(t, f.store.Len())
}

func TestQuitClosesWithoutRevoking(t *testing.T) {
	f := newDispatchFixture(t)

	resp, outcome, err := f.dispatcher.Handle(context.Background(), dispatch.CmdQuit, argReader())
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, dispatch.OutcomeClose, outcome)

	// Disconnect policy is the connection handler's job; the session is
	// untouched here.
	require.Equal(t, 1, f.store.Len())
}

func TestSearchUpdatesLastActive(t *testing.T) {
	f := newDispatchFixture(t)
	before := f.session.LastActiveAt()

	time.Sleep(5 * time.Millisecond)
	f.search(t, "1241", "CS", "341")

	require.True(t, f.session.LastActiveAt().After(before) || f.session.LastActiveAt().Equal(before))
}

func TestAbandonedSearchStillCompletesInBackground(t *testing.T) {
	f := newDispatchFixture(t)

	release := make(chan struct{})
	f.adapter.SearchErr = nil
	blocking := &blockingAdapter{FakeAdapter: f.adapter, release: release}
	f.session.Adapter = blocking

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := f.dispatcher.Handle(ctx, dispatch.CmdSearch, argReader("1241", "CS", "341"))
	require.ErrorIs(t, err, context.Canceled)

	// Let the in-flight call finish; its result lands in the cache even
	// though the connection is gone.
	close(release)
	require.Eventually(t, func() bool {
		_, err := f.courses.Get(context.Background(), "1241", "CS", "341")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

// blockingAdapter delays Search until released, standing in for a slow
// browser interaction.
type blockingAdapter struct {
	*adapterfakes.FakeAdapter
	release chan struct{}
}

func (b *blockingAdapter) Search(ctx context.Context, q automation.Query) (automation.SearchResult, error) {
	<-b.release
	return b.FakeAdapter.Search(ctx, q)
}
