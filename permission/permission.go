// Package permission holds the externally granted capture authorization and
// exposes whether one is currently present.
package permission

import (
	"sync"

	"github.com/bluelightgit/roubao/internal/logging"
)

var log = logging.L("permission")

// Result codes carried by a Grant.
const (
	ResultOK        = 0
	ResultCancelled = 1
	ResultEnded     = 2
)

// Grant is the opaque authorization produced by an external consent flow.
type Grant struct {
	Code    int
	Payload []byte
}

// Valid reports whether the grant can be used to open a capture session.
func (g Grant) Valid() bool {
	return g.Code == ResultOK && len(g.Payload) > 0
}

// State stores at most one Grant. The zero value is not usable; call New.
type State struct {
	mu      sync.Mutex
	grant   *Grant
	nextID  int
	subs    map[int]chan bool
	revokes map[int]func()
}

// New returns an empty State.
func New() *State {
	return &State{
		subs:    make(map[int]chan bool),
		revokes: make(map[int]func()),
	}
}

// Grant stores g and marks the state granted.
func (s *State) Grant(g Grant) {
	stored := Grant{Code: g.Code, Payload: append([]byte(nil), g.Payload...)}

	s.mu.Lock()
	s.grant = &stored
	s.publishLocked(true)
	s.mu.Unlock()

	log.Info("capture permission granted", "code", g.Code)
}

// Revoke clears the stored grant and runs every revocation hook.
func (s *State) Revoke() {
	s.mu.Lock()
	had := s.grant != nil
	s.grant = nil
	s.publishLocked(false)
	hooks := make([]func(), 0, len(s.revokes))
	for _, fn := range s.revokes {
		hooks = append(hooks, fn)
	}
	s.mu.Unlock()

	if had {
		log.Info("capture permission revoked")
	}
	for _, fn := range hooks {
		fn()
	}
}

// Current returns the stored grant, if any.
func (s *State) Current() (Grant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grant == nil {
		return Grant{}, false
	}
	return Grant{Code: s.grant.Code, Payload: append([]byte(nil), s.grant.Payload...)}, true
}

// Granted reports whether a grant is present.
func (s *State) Granted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant != nil
}

// Subscribe returns a stream of the granted flag. The current value is
// delivered immediately; a slow reader only sees the newest value. The
// returned func unsubscribes and closes the channel.
func (s *State) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.grant != nil
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// OnRevoke registers fn to run after every Revoke. The returned func removes it.
func (s *State) OnRevoke(fn func()) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.revokes[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.revokes, id)
		s.mu.Unlock()
	}
}

func (s *State) publishLocked(v bool) {
	for _, ch := range s.subs {
		// Latest wins: replace an unread value.
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}
