package sessions

import (
	"sync"
	"time"

	"github.com/questgate/questgate/automation"
)

// Session binds a token to one live automated portal login. The Store
// exclusively owns the Session and its adapter; connections hold only a
// transient reference while attached.
type Session struct {
	Token      string
	Username   string
	RememberMe bool
	Adapter    automation.Adapter
	CreatedAt  time.Time

	lock         sync.Mutex
	lastActiveAt time.Time

	// attach is a capacity-1 semaphore: the holder is the one connection
	// currently bound to the adapter. A reconnect queues here until the
	// prior connection detaches.
	attach chan struct{}
}

func (s *Session) LastActiveAt() time.Time {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastActiveAt
}

func (s *Session) touch(now time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.lastActiveAt = now
}

// expiresAt is the earlier of the absolute deadline and the sliding idle
// deadline.
func (s *Session) expiresAt(idleTTL, absoluteTTL time.Duration) time.Time {
	absolute := s.CreatedAt.Add(absoluteTTL)
	idle := s.LastActiveAt().Add(idleTTL)
	if absolute.Before(idle) {
		return absolute
	}
	return idle
}

func (s *Session) expired(now time.Time, idleTTL, absoluteTTL time.Duration) bool {
	return now.After(s.expiresAt(idleTTL, absoluteTTL))
}
