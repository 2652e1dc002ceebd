// Package session keeps decoding sessions: one model instance with its own KV
// caches per session, addressed by a random id.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kvstep/internal/logger"
	"github.com/samcharles93/kvstep/internal/model"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrLimit    = errors.New("session limit reached")
)

// Factory builds a fresh model for a new session. Implementations usually
// share one read-only Weights value across every model they return.
type Factory func() (*model.Transformer, error)

// Session is a model instance plus the next position to decode.
// Calls on a Session are serialized, so a cache slot only ever has one writer.
type Session struct {
	ID      string
	Created time.Time

	mu    sync.Mutex
	model *model.Transformer
	pos   int
	steps int
}

// Info is a point-in-time view of a session.
type Info struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	Position int       `json:"position"`
	Steps    int       `json:"steps"`
}

// Info returns the session's current state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{ID: s.ID, Created: s.Created, Position: s.pos, Steps: s.steps}
}

// Config returns the resolved model configuration.
func (s *Session) Config() model.Config {
	return s.model.Config()
}

// Forward decodes tokens at the session's current position and advances it.
func (s *Session) Forward(tokens [][]int) (*model.Logits, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardLocked(tokens, s.pos)
}

// ForwardAt decodes tokens at startPos. On success the session continues from
// startPos+1, so an earlier position can be rewritten. On error the position
// is unchanged.
func (s *Session) ForwardAt(tokens [][]int, startPos int) (*model.Logits, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardLocked(tokens, startPos)
}

func (s *Session) forwardLocked(tokens [][]int, startPos int) (*model.Logits, int, error) {
	logits, err := s.model.Forward(tokens, startPos)
	if err != nil {
		return nil, s.pos, err
	}
	s.pos = startPos + 1
	s.steps++
	return logits, s.pos, nil
}

// Reset clears the caches, rewinds to position 0 and zeroes the step count.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model.Reset()
	s.pos = 0
	s.steps = 0
}

// Store holds live sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	limit    int
	log      logger.Logger
	clock    func() time.Time
}

// NewStore returns a store that builds models with factory. A limit of zero
// or less means no limit.
func NewStore(factory Factory, limit int, log logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{
		sessions: make(map[string]*Session),
		factory:  factory,
		limit:    limit,
		log:      log,
		clock:    time.Now,
	}
}

// Create builds a new session.
func (s *Store) Create() (*Session, error) {
	s.mu.Lock()
	if s.limit > 0 && len(s.sessions) >= s.limit {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrLimit, s.limit)
	}
	s.mu.Unlock()

	m, err := s.factory()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:      uuid.NewString(),
		Created: s.clock(),
		model:   m,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.sessions) >= s.limit {
		return nil, fmt.Errorf("%w (%d)", ErrLimit, s.limit)
	}
	s.sessions[sess.ID] = sess
	s.log.Debug("session created", "id", sess.ID, "live", len(s.sessions))
	return sess, nil
}

// Get returns the session with the given id.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// Delete drops a session and its caches.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	s.log.Debug("session deleted", "id", id, "live", len(s.sessions))
	return nil
}

// Step runs Forward on the session with the given id.
func (s *Store) Step(id string, tokens [][]int) (*model.Logits, int, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, 0, err
	}
	return sess.Forward(tokens)
}

// Reset rewinds the session with the given id.
func (s *Store) Reset(id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	sess.Reset()
	return nil
}

// List returns every live session ordered by creation time.
func (s *Store) List() []Info {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
