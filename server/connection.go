package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/questgate/questgate/authflow"
	"github.com/questgate/questgate/dispatch"
	"github.com/questgate/questgate/internal/errors"
	"github.com/questgate/questgate/internal/metrics"
	"github.com/questgate/questgate/wire"
)

// LoginHandler runs the credential entry mode of the auth state machine:
// username, password and rememberMe frames, then the optional
// second-factor exchange.
func (s *Server) LoginHandler(w http.ResponseWriter, r *http.Request) {
	s.handleConnection(w, r, s.authenticateLogin)
}

// ReconnectHandler runs the token entry mode: a single token frame
// resuming an existing session.
func (s *Server) ReconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.handleConnection(w, r, s.authenticateReconnect)
}

type authenticate func(ctx context.Context, conn *wsConn, machine *authflow.Machine) error

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request, auth authenticate) {
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	conn := &wsConn{
		conn:   socket,
		logger: log.With().Str("conn", uuid.New().String()[:8]).Str("path", r.URL.Path).Logger(),
	}
	defer conn.close()

	conn.logger.Info().Msg("connection opened")

	ctx := r.Context()
	machine := authflow.New(s.store, s.adapters)
	defer machine.Abort(context.Background())

	if err := auth(ctx, conn, machine); err != nil {
		conn.logger.Warn().Err(err).Msg("closing connection: authentication failed")
		// The transport can die after a session was already issued and
		// attached; the disconnect policy still applies to it.
		if machine.State() == authflow.StateAuthenticated {
			s.store.Detach(machine.Session())
		}
		return
	}
	if machine.State() != authflow.StateAuthenticated {
		return
	}

	session := machine.Session()
	signedOut := s.connectionLoop(ctx, conn, machine)
	if !signedOut {
		s.store.Detach(session)
	}
	conn.logger.Info().Msg("connection loop closed")
}

func (s *Server) authenticateLogin(ctx context.Context, conn *wsConn, machine *authflow.Machine) error {
	authTimeout := s.config.GetAuthReadTimeout()

	username, err := conn.readFrame(authTimeout)
	if err != nil {
		return errors.Wrapf(err, "[authenticateLogin] reading username")
	}
	password, err := conn.readFrame(authTimeout)
	if err != nil {
		return errors.Wrapf(err, "[authenticateLogin] reading password")
	}
	rememberRaw, err := conn.readFrame(authTimeout)
	if err != nil {
		return errors.Wrapf(err, "[authenticateLogin] reading rememberMe")
	}
	rememberMe := rememberRaw == "true"

	resp := machine.Login(ctx, username, password, rememberMe)
	if err := conn.send(resp); err != nil {
		return err
	}
	if resp.Status != wire.StatusChallenge {
		return nil
	}

	code, err := conn.readFrame(s.config.GetSecondFactorTimeout())
	if err != nil {
		return errors.Wrapf(err, "[authenticateLogin] reading second factor code")
	}
	return conn.send(machine.SubmitSecondFactor(ctx, code))
}

func (s *Server) authenticateReconnect(ctx context.Context, conn *wsConn, machine *authflow.Machine) error {
	token, err := conn.readFrame(s.config.GetAuthReadTimeout())
	if err != nil {
		return errors.Wrapf(err, "[authenticateReconnect] reading token")
	}
	return conn.send(machine.Reconnect(ctx, token))
}

// connectionLoop pumps command frames into the dispatcher while a
// heartbeat watches the bound portal session; whichever exits first tears
// the other down. Reports whether the client signed out explicitly.
func (s *Server) connectionLoop(ctx context.Context, conn *wsConn, machine *authflow.Machine) (signedOut bool) {
	session := machine.Session()
	dispatcher := dispatch.New(session, s.store, s.courses)

	group, groupCtx := errgroup.WithContext(ctx)

	// Unblock the pump's pending read when the group dies.
	stop := context.AfterFunc(groupCtx, func() { conn.close() })
	defer stop()

	group.Go(func() error {
		return s.processRequests(groupCtx, conn, dispatcher, &signedOut)
	})
	group.Go(func() error {
		return s.heartbeat(groupCtx, conn, machine)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		conn.logger.Warn().Err(err).Msg("connection loop ended")
	}
	return signedOut
}

func (s *Server) processRequests(ctx context.Context, conn *wsConn, dispatcher *dispatch.Dispatcher, signedOut *bool) error {
	readArg := func(context.Context) (string, error) {
		return conn.readFrame(s.config.GetAuthReadTimeout())
	}

	for {
		command, err := conn.readFrame(0)
		if err != nil {
			return errors.Wrapf(err, "[processRequests] reading command")
		}

		resp, outcome, err := dispatcher.Handle(ctx, command, readArg)
		if err != nil {
			return err
		}
		if resp != nil {
			if err := conn.send(*resp); err != nil {
				return err
			}
		}

		switch outcome {
		case dispatch.OutcomeSignOut:
			*signedOut = true
			return context.Canceled
		case dispatch.OutcomeClose:
			return context.Canceled
		}
	}
}

// heartbeat periodically verifies the portal session behind the adapter is
// still signed on and fails the connection when it has died.
func (s *Server) heartbeat(ctx context.Context, conn *wsConn, machine *authflow.Machine) error {
	session := machine.Session()
	ticker := time.NewTicker(s.config.GetHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			conn.logger.Debug().Msg("checking pulse")
			if session.Adapter.IsAlive(ctx) {
				continue
			}
			conn.logger.Warn().Msg("pulse check failed")
			_ = conn.send(wire.Failure(wire.StatusAutomationFault, "Dead session. Reauthenticate!"))
			return errors.Wrapf(errors.ErrSessionDead, "[heartbeat]")
		}
	}
}

// wsConn wraps a websocket connection with one-value-per-frame reads and
// serialized writes. Reads happen from a single goroutine only.
type wsConn struct {
	conn      *websocket.Conn
	logger    zerolog.Logger
	writeLock sync.Mutex
	closeOnce sync.Once
}

// readFrame returns the next text frame. timeout 0 means wait forever.
func (c *wsConn) readFrame(timeout time.Duration) (string, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *wsConn) send(resp wire.Response) error {
	data, err := resp.Encode()
	if err != nil {
		return errors.Wrapf(err, "[wsConn.send] encoding response")
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
