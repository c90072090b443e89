package conversation

import (
	"context"
	"sync"
	"time"

	logx "greetbot/pkg/logx"
)

const DefaultTimeout = 5 * time.Minute

// Key identifies a conversation: one per user per chat.
type Key struct {
	ChatID int64
	UserID int64
}

// Store holds live sessions. A session exists from Begin until it reaches
// Done or Canceled, or sits idle longer than the timeout.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	timeout  time.Duration
	log      logx.Logger
}

func NewStore(timeout time.Duration, log logx.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{sessions: map[Key]*Session{}, timeout: timeout, log: log}
}

// Begin starts a fresh session, replacing any previous one for the key.
func (s *Store) Begin(key Key, creator string, loc *time.Location, now time.Time) {
	s.mu.Lock()
	s.sessions[key] = NewSession(key.ChatID, creator, loc, now)
	s.mu.Unlock()
}

// Active reports whether key has a live, non-expired session.
func (s *Store) Active(key Key, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(key, now)
	return ok
}

// Handle routes text to the key's session. ok is false when there is no
// live session. Terminal sessions are removed.
func (s *Store) Handle(key Key, text string, now time.Time) (step Step, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.liveLocked(key, now)
	if !ok {
		return Step{}, false
	}
	step = sess.Handle(text, now)
	if step.State.Terminal() {
		delete(s.sessions, key)
	}
	return step, true
}

// Cancel aborts the key's session. It reports whether one was live.
func (s *Store) Cancel(key Key, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.liveLocked(key, now)
	if !ok {
		return false
	}
	sess.Cancel()
	delete(s.sessions, key)
	return true
}

func (s *Store) liveLocked(key Key, now time.Time) (*Session, bool) {
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	if now.Sub(sess.touched) > s.timeout {
		delete(s.sessions, key)
		return nil, false
	}
	return sess, true
}

// Sweep drops idle sessions and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, sess := range s.sessions {
		if now.Sub(sess.touched) > s.timeout {
			delete(s.sessions, k)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run sweeps periodically until ctx is done.
func (s *Store) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			if n := s.Sweep(now); n > 0 {
				s.log.Debug("expired conversations dropped", logx.Int("count", n))
			}
		}
	}
}
