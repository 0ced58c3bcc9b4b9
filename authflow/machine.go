// Package authflow implements the per-connection authentication state
// machine: credential intake, the optional second-factor exchange, token
// issuance and token-based session resumption.
package authflow

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/internal/errors"
	"github.com/questgate/questgate/internal/metrics"
	"github.com/questgate/questgate/sessions"
	"github.com/questgate/questgate/wire"
)

type State int

const (
	StateAwaitingCredentials State = iota
	StateAwaitingSecondFactor
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingCredentials:
		return "awaiting_credentials"
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Machine drives one connection from credential (or token) intake to an
// authenticated session. Failure from any non-terminal state is fatal to
// the connection; a retry requires a fresh connection.
type Machine struct {
	store    *sessions.Store
	adapters automation.Factory
	logger   zerolog.Logger

	state   State
	pending automation.Adapter // adapter mid-login, before token issuance
	creds   automation.Credentials
	session *sessions.Session
}

func New(store *sessions.Store, adapters automation.Factory) *Machine {
	return &Machine{
		store:    store,
		adapters: adapters,
		logger:   log.With().Str("component", "authflow").Logger(),
		state:    StateAwaitingCredentials,
	}
}

func (m *Machine) State() State { return m.state }

// Session returns the bound session once the machine is Authenticated.
func (m *Machine) Session() *sessions.Session { return m.session }

// Login consumes the credential frames. Every login is an independent
// flow: a username that already owns a live remembered session still gets
// a new token and a new adapter instance, never a silent merge.
func (m *Machine) Login(ctx context.Context, username, password string, rememberMe bool) wire.Response {
	if m.state != StateAwaitingCredentials {
		return m.fail(errors.Wrapf(errors.ErrProtocolViolation, "[Machine.Login] login in state %s", m.state))
	}
	if username == "" || password == "" {
		return m.fail(errors.Wrapf(errors.ErrProtocolViolation, "[Machine.Login] username and password required"))
	}

	adapter, err := m.adapters.New(ctx, uuid.New().String())
	if err != nil {
		metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
		return m.fail(errors.Wrapf(errors.ErrAutomationFault, "[Machine.Login] no adapter available: %v", err))
	}

	m.creds = automation.Credentials{Username: username, Password: password, RememberMe: rememberMe}
	challenge, err := adapter.Login(ctx, m.creds)
	// The password exists only for that one call; issue() needs just the
	// username and the rememberMe flag.
	m.creds.Password = ""
	if err != nil {
		_ = adapter.Close(ctx)
		metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
		return m.fail(err)
	}

	if challenge != "" {
		m.pending = adapter
		m.state = StateAwaitingSecondFactor
		metrics.Logins.WithLabelValues(metrics.OutcomeChallenge).Inc()
		m.logger.Info().Str("user", username).Msg("second factor required")
		return wire.Challenge(challenge)
	}

	return m.issue(ctx, adapter)
}

// SubmitSecondFactor resolves the pending challenge. Valid only in
// AwaitingSecondFactor; there is no nested challenge.
func (m *Machine) SubmitSecondFactor(ctx context.Context, code string) wire.Response {
	if m.state != StateAwaitingSecondFactor {
		return m.fail(errors.Wrapf(errors.ErrProtocolViolation, "[Machine.SubmitSecondFactor] unexpected message in state %s", m.state))
	}
	if code == "" {
		return m.fail(errors.Wrapf(errors.ErrProtocolViolation, "[Machine.SubmitSecondFactor] code required"))
	}

	adapter := m.pending
	m.pending = nil
	if err := adapter.SubmitSecondFactor(ctx, code); err != nil {
		_ = adapter.Close(ctx)
		metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
		return m.fail(err)
	}

	return m.issue(ctx, adapter)
}

// Reconnect validates a previously issued token and rebinds the
// connection to its session, queueing behind a prior connection that has
// not yet detached.
func (m *Machine) Reconnect(ctx context.Context, token string) wire.Response {
	if m.state != StateAwaitingCredentials {
		return m.fail(errors.Wrapf(errors.ErrProtocolViolation, "[Machine.Reconnect] reconnect in state %s", m.state))
	}
	if token == "" {
		return m.fail(errors.Wrapf(errors.ErrProtocolViolation, "[Machine.Reconnect] token required"))
	}

	session, err := m.store.Attach(ctx, token)
	if err != nil {
		metrics.Reconnects.WithLabelValues(metrics.OutcomeFailure).Inc()
		return m.fail(errors.Wrapf(errors.ErrTokenInvalid, "[Machine.Reconnect] %v", err))
	}

	m.session = session
	m.state = StateAuthenticated
	metrics.Reconnects.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.logger.Info().Str("token", token).Msg("session resumed")
	return wire.Success(token)
}

// Abort releases any adapter held by a login that never completed. Called
// by the connection handler on teardown.
func (m *Machine) Abort(ctx context.Context) {
	if m.pending != nil {
		_ = m.pending.Close(ctx)
		m.pending = nil
	}
	if m.state != StateAuthenticated {
		m.state = StateFailed
	}
}

func (m *Machine) issue(ctx context.Context, adapter automation.Adapter) wire.Response {
	session, err := m.store.Issue(m.creds.Username, m.creds.RememberMe, adapter)
	if err != nil {
		_ = adapter.Close(ctx)
		metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
		return m.fail(errors.Wrapf(errors.ErrAutomationFault, "[Machine.issue] %v", err))
	}

	m.session = session
	m.state = StateAuthenticated
	metrics.Logins.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.logger.Info().Str("user", m.creds.Username).Str("token", session.Token).Msg("session created")
	return wire.Success(session.Token)
}

func (m *Machine) fail(err error) wire.Response {
	m.state = StateFailed
	m.logger.Warn().Err(err).Msg("authentication failed")
	return wire.FailureFor(err)
}
