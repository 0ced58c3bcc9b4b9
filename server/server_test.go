package server_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/automation/adapterfakes"
	"github.com/questgate/questgate/courses"
	"github.com/questgate/questgate/server"
	"github.com/questgate/questgate/sessions"
	"github.com/questgate/questgate/wire"
)

const (
	testUsername = "alice"
	testPassword = "secret"
	testCode     = "123456"
	testPrompt   = "74"
)

var (
	testQuery    = automation.Query{Term: "1241", Subject: "CS", ClassNumber: "341"}
	testSections = automation.SearchResult{"LEC": {"MC 4020", "J. Smith"}}
)

type testConfig struct{}

func (testConfig) GetPort() string                       { return ":0" }
func (testConfig) GetAppName() string                    { return "Quest Gateway" }
func (testConfig) GetEnv() string                        { return "TEST" }
func (testConfig) GetPostgresURL() string                { return "" }
func (testConfig) GetSessionIdleTTL() time.Duration      { return 30 * time.Minute }
func (testConfig) GetSessionAbsoluteTTL() time.Duration  { return 12 * time.Hour }
func (testConfig) GetAuthReadTimeout() time.Duration     { return 2 * time.Second }
func (testConfig) GetSecondFactorTimeout() time.Duration { return 2 * time.Second }
func (testConfig) GetHeartbeatInterval() time.Duration   { return time.Hour }
func (testConfig) GetAdapterPoolSize() int               { return 4 }
func (testConfig) GetHeadless() bool                     { return true }
func (testConfig) GetProfileDir() string                 { return "" }

type serverFixture struct {
	store   *sessions.Store
	factory *adapterfakes.FakeFactory
	ts      *httptest.Server

	nowLock sync.Mutex
	now     time.Time
}

func newServerFixture(t *testing.T, template adapterfakes.FakeAdapter) *serverFixture {
	t.Helper()

	f := &serverFixture{now: time.Now()}
	f.store = sessions.NewStore(
		testConfig{}.GetSessionIdleTTL(),
		testConfig{}.GetSessionAbsoluteTTL(),
		sessions.WithNowTime(f.nowTime),
	)
	t.Cleanup(f.store.Close)

	if template.Results == nil {
		template.Results = map[automation.Query]automation.SearchResult{testQuery: testSections}
	}
	f.factory = &adapterfakes.FakeFactory{Template: template}

	s := server.New(testConfig{}, f.store, f.factory, courses.NewInMemoryRepo(time.Hour))
	f.ts = httptest.NewServer(s)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) nowTime() time.Time {
	f.nowLock.Lock()
	defer f.nowLock.Unlock()
	return f.now
}

func (f *serverFixture) advance(d time.Duration) {
	f.nowLock.Lock()
	defer f.nowLock.Unlock()
	f.now = f.now.Add(d)
}

func (f *serverFixture) dial(t *testing.T, path string) *wsClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// login authenticates a fresh connection and returns it with the token.
func (f *serverFixture) login(t *testing.T, rememberMe string) (*wsClient, string) {
	t.Helper()

	client := f.dial(t, "/login")
	client.send(testUsername, testPassword, rememberMe)
	resp := client.recv()
	require.Equal(t, wire.StatusSuccess, resp.Status)
	token, ok := resp.Payload.(string)
	require.True(t, ok)
	return client, token
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *wsClient) send(frames ...string) {
	c.t.Helper()
	for _, frame := range frames {
		require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}
}

func (c *wsClient) recv() wire.Response {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	resp, err := wire.Decode(data)
	require.NoError(c.t, err)
	return resp
}

func (c *wsClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := c.conn.ReadMessage()
	require.Error(c.t, err)
}

func plainTemplate() adapterfakes.FakeAdapter {
	return adapterfakes.FakeAdapter{Username: testUsername, Password: testPassword}
}

func TestLoginWithSecondFactorScenario(t *testing.T) {
	f := newServerFixture(t, adapterfakes.FakeAdapter{
		Username:         testUsername,
		Password:         testPassword,
		ChallengePrompt:  testPrompt,
		SecondFactorCode: testCode,
	})

	client := f.dial(t, "/login")
	client.send(testUsername, testPassword, "true")

	resp := client.recv()
	require.Equal(t, wire.StatusChallenge, resp.Status)
	require.Equal(t, testPrompt, resp.Payload)

	client.send(testCode)
	resp = client.recv()
	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.NotEmpty(t, resp.Payload)
}

func TestLoginBadPasswordClosesConnection(t *testing.T) {
	f := newServerFixture(t, plainTemplate())

	client := f.dial(t, "/login")
	client.send(testUsername, "wrong", "false")

	resp := client.recv()
	require.Equal(t, wire.StatusCredentialRejected, resp.Status)
	client.expectClosed()
	require.Zero(t, f.store.Len())
}

func TestSearchScenario(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, _ := f.login(t, "false")

	client.send("SEARCH", "1241", "CS", "341")
	resp := client.recv()

	require.Equal(t, wire.StatusSuccess, resp.Status)
	payload, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, []any{"MC 4020", "J. Smith"}, payload["LEC"])
}

func TestBadCommandThenValidSearch(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, _ := f.login(t, "false")

	client.send("FOO")
	resp := client.recv()
	require.Equal(t, wire.StatusCommandError, resp.Status)

	client.send("SEARCH", "1241", "CS", "341")
	resp = client.recv()
	require.Equal(t, wire.StatusSuccess, resp.Status)
}

func TestBackToBackSearchesAnsweredInOrder(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	secondQuery := automation.Query{Term: "1241", Subject: "MATH", ClassNumber: "239"}
	f.factory.Template.Results[secondQuery] = automation.SearchResult{"TUT": {"MC 2038", "A. Jones"}}

	client, _ := f.login(t, "false")

	client.send("SEARCH", "1241", "CS", "341")
	client.send("SEARCH", "1241", "MATH", "239")

	first := client.recv()
	require.Equal(t, wire.StatusSuccess, first.Status)
	require.Contains(t, first.Payload, "LEC")

	second := client.recv()
	require.Equal(t, wire.StatusSuccess, second.Status)
	require.Contains(t, second.Payload, "TUT")
}

func TestReconnectReturnsSameToken(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, token := f.login(t, "true")
	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 10*time.Millisecond)

	reconnect := f.dial(t, "/reconnect")
	reconnect.send(token)
	resp := reconnect.recv()

	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Equal(t, token, resp.Payload)
	require.Equal(t, 1, f.factory.InstanceCount())
}

func TestReconnectAfterSearchStillWorks(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, token := f.login(t, "true")
	require.NoError(t, client.conn.Close())

	reconnect := f.dial(t, "/reconnect")
	reconnect.send(token)
	require.Equal(t, wire.StatusSuccess, reconnect.recv().Status)

	reconnect.send("SEARCH", "1241", "CS", "341")
	require.Equal(t, wire.StatusSuccess, reconnect.recv().Status)
}

func TestReconnectWithNeverIssuedToken(t *testing.T) {
	f := newServerFixture(t, plainTemplate())

	client := f.dial(t, "/reconnect")
	client.send("never-issued-token")

	resp := client.recv()
	require.Equal(t, wire.StatusTokenInvalid, resp.Status)
	client.expectClosed()
}

func TestNoRememberMeSessionDiesOnDisconnect(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, token := f.login(t, "false")
	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool { return f.store.Len() == 0 }, time.Second, 10*time.Millisecond)

	reconnect := f.dial(t, "/reconnect")
	reconnect.send(token)
	resp := reconnect.recv()
	require.Equal(t, wire.StatusTokenInvalid, resp.Status)
}

func TestRememberMeSessionExpires(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, token := f.login(t, "true")
	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 10*time.Millisecond)

	// Reconnect works repeatedly while the session is live.
	for i := 0; i < 2; i++ {
		reconnect := f.dial(t, "/reconnect")
		reconnect.send(token)
		require.Equal(t, wire.StatusSuccess, reconnect.recv().Status)
		require.NoError(t, reconnect.conn.Close())
		require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 10*time.Millisecond)
	}

	f.advance(testConfig{}.GetSessionIdleTTL() + time.Minute)

	reconnect := f.dial(t, "/reconnect")
	reconnect.send(token)
	resp := reconnect.recv()
	require.Equal(t, wire.StatusTokenInvalid, resp.Status)
	reconnect.expectClosed()
}

func TestSignOutRevokesRememberedSession(t *testing.T) {
	f := newServerFixture(t, plainTemplate())
	client, token := f.login(t, "true")

	client.send("SIGN OUT")
	client.expectClosed()

	require.Eventually(t, func() bool { return f.store.Len() == 0 }, time.Second, 10*time.Millisecond)

	reconnect := f.dial(t, "/reconnect")
	reconnect.send(token)
	require.Equal(t, wire.StatusTokenInvalid, reconnect.recv().Status)
}

// gatedAdapter holds Login open until released so a test can act on the
// transport while the login call is still in flight.
type gatedAdapter struct {
	automation.Adapter
	started chan struct{}
	gate    chan struct{}
}

func (g *gatedAdapter) Login(ctx context.Context, creds automation.Credentials) (string, error) {
	close(g.started)
	<-g.gate
	return g.Adapter.Login(ctx, creds)
}

type gatedFactory struct {
	inner   *adapterfakes.FakeFactory
	started chan struct{}
	gate    chan struct{}
}

func (gf *gatedFactory) New(ctx context.Context, id string) (automation.Adapter, error) {
	adapter, err := gf.inner.New(ctx, id)
	if err != nil {
		return nil, err
	}
	return &gatedAdapter{Adapter: adapter, started: gf.started, gate: gf.gate}, nil
}

// A transport that dies while the login call is in flight must not leak
// the session it issues: the disconnect policy revokes a rememberMe=false
// session even when the success frame was never delivered.
func TestDisconnectDuringLoginRevokesSession(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	inner := &adapterfakes.FakeFactory{Template: plainTemplate()}
	factory := &gatedFactory{inner: inner, started: started, gate: gate}

	store := sessions.NewStore(testConfig{}.GetSessionIdleTTL(), testConfig{}.GetSessionAbsoluteTTL())
	t.Cleanup(store.Close)

	ts := httptest.NewServer(server.New(testConfig{}, store, factory, courses.NewInMemoryRepo(time.Hour)))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/login"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	for _, frame := range []string{testUsername, testPassword, "false"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	<-started
	// Kill the socket hard so the success frame cannot be delivered.
	if tcp, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		require.NoError(t, tcp.SetLinger(0))
	}
	require.NoError(t, conn.Close())
	close(gate)

	require.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 10*time.Millisecond,
		"session must be revoked after the transport died mid-login")
	require.Eventually(t, func() bool { return inner.Created[0].Closed() }, 2*time.Second, 10*time.Millisecond,
		"adapter must be closed when its session is revoked")
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, plainTemplate())

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
