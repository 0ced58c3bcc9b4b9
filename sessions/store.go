// Package sessions implements the token store: the process-wide registry
// mapping opaque session tokens to live automated portal logins.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/questgate/questgate/automation"
	"github.com/questgate/questgate/internal/errors"
	"github.com/questgate/questgate/internal/metrics"
)

const tokenBytes = 16

// Store is the only state shared across connection goroutines. The map
// lock guards membership; per-session fields have their own lock so
// touch/resolve racing on one token never serialize against other tokens.
type Store struct {
	idleTTL     time.Duration
	absoluteTTL time.Duration
	nowTime     func() time.Time

	lock     sync.RWMutex
	sessions map[string]*Session

	janitorStop chan struct{}
	janitorOnce sync.Once
}

type StoreOption func(*Store)

// WithNowTime sets the clock (primarily for testing)
func WithNowTime(nowFunc func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func NewStore(idleTTL, absoluteTTL time.Duration, options ...StoreOption) *Store {
	s := &Store{
		idleTTL:     idleTTL,
		absoluteTTL: absoluteTTL,
		nowTime:     time.Now,
		sessions:    make(map[string]*Session),
		janitorStop: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Issue mints a fresh token and registers a session owning the given
// adapter. The returned session is already attached to the caller.
func (s *Store) Issue(username string, rememberMe bool, adapter automation.Adapter) (*Session, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var token string
	for {
		t, err := newToken()
		if err != nil {
			return nil, errors.Wrapf(err, "[Store.Issue] generating token")
		}
		if _, taken := s.sessions[t]; !taken {
			token = t
			break
		}
		// 128-bit collision; practically unreachable, but tokens must
		// never alias.
	}

	now := s.nowTime()
	session := &Session{
		Token:        token,
		Username:     username,
		RememberMe:   rememberMe,
		Adapter:      adapter,
		CreatedAt:    now,
		lastActiveAt: now,
		attach:       make(chan struct{}, 1),
	}
	session.attach <- struct{}{} // issuing connection holds the binding

	s.sessions[token] = session
	metrics.LiveSessions.Set(float64(len(s.sessions)))
	return session, nil
}

// Resolve looks a token up without attaching. Expired sessions are revoked
// on sight.
func (s *Store) Resolve(token string) (*Session, error) {
	s.lock.RLock()
	session, ok := s.sessions[token]
	s.lock.RUnlock()

	if !ok {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "[Store.Resolve]")
	}
	if session.expired(s.nowTime(), s.idleTTL, s.absoluteTTL) {
		s.Revoke(token)
		return nil, errors.Wrapf(errors.ErrSessionExpired, "[Store.Resolve]")
	}
	return session, nil
}

// Touch refreshes the session's idle deadline.
func (s *Store) Touch(token string) {
	s.lock.RLock()
	session, ok := s.sessions[token]
	s.lock.RUnlock()
	if ok {
		session.touch(s.nowTime())
	}
}

// Revoke removes the session and closes its adapter. Idempotent.
func (s *Store) Revoke(token string) {
	s.lock.Lock()
	session, ok := s.sessions[token]
	if ok {
		delete(s.sessions, token)
	}
	metrics.LiveSessions.Set(float64(len(s.sessions)))
	s.lock.Unlock()

	if ok && session.Adapter != nil {
		if err := session.Adapter.Close(context.Background()); err != nil {
			log.Warn().Err(err).Str("token", token).Msg("closing adapter on revoke")
		}
	}
}

// Attach resolves the token and binds the caller as the session's one
// connection, queueing behind a still-attached prior connection. On
// success the session's idle deadline is refreshed.
func (s *Store) Attach(ctx context.Context, token string) (*Session, error) {
	session, err := s.Resolve(token)
	if err != nil {
		return nil, err
	}

	select {
	case session.attach <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[Store.Attach] waiting for prior connection to detach")
	}

	// The session may have been revoked while we queued.
	if _, err := s.Resolve(token); err != nil {
		<-session.attach
		return nil, err
	}
	session.touch(s.nowTime())
	return session, nil
}

// Detach releases the connection's binding and applies the disconnect
// policy: sessions without rememberMe are revoked immediately, remembered
// ones survive until expiry.
func (s *Store) Detach(session *Session) {
	select {
	case <-session.attach:
	default:
		// already detached
	}

	if !session.RememberMe {
		s.Revoke(session.Token)
		return
	}
	session.touch(s.nowTime())
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}

// StartJanitor begins pruning expired sessions every interval until Close.
func (s *Store) StartJanitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneExpired()
			case <-s.janitorStop:
				return
			}
		}
	}()
}

// Close stops the janitor and revokes every session.
func (s *Store) Close() {
	s.janitorOnce.Do(func() { close(s.janitorStop) })

	s.lock.RLock()
	tokens := make([]string, 0, len(s.sessions))
	for token := range s.sessions {
		tokens = append(tokens, token)
	}
	s.lock.RUnlock()

	for _, token := range tokens {
		s.Revoke(token)
	}
}

func (s *Store) pruneExpired() {
	now := s.nowTime()

	s.lock.RLock()
	var expired []string
	for token, session := range s.sessions {
		if session.expired(now, s.idleTTL, s.absoluteTTL) {
			expired = append(expired, token)
		}
	}
	s.lock.RUnlock()

	for _, token := range expired {
		log.Info().Str("token", token).Msg("pruning expired session")
		s.Revoke(token)
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
