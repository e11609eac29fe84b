package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deckster/internal/domain"
	"golang.org/x/sync/singleflight"
)

// CacheObserver receives cache hit and miss notifications.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// SessionStore is a read-through, write-through cache over a Repository.
// After any write returns successfully, Get in the same process reflects it.
type SessionStore struct {
	repo     Repository
	logger   *slog.Logger
	observer CacheObserver

	mu      sync.Mutex
	entries map[string]*domain.Session
	// writes counts writes per session while a read-through is in flight so
	// that a read that raced a write never installs the older copy it
	// fetched. Both maps drop an id once its last read finishes.
	writes  map[string]uint64
	reading map[string]int
	group   singleflight.Group
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithObserver reports cache hits and misses to o.
func WithObserver(o CacheObserver) Option {
	return func(s *SessionStore) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *SessionStore) { s.logger = l }
}

// NewSessionStore wraps repo with an in-process cache.
func NewSessionStore(repo Repository, opts ...Option) *SessionStore {
	s := &SessionStore{
		repo:    repo,
		logger:  slog.Default(),
		entries: make(map[string]*domain.Session),
		writes:  make(map[string]uint64),
		reading: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repository returns the underlying durable store.
func (s *SessionStore) Repository() Repository { return s.repo }

// Get returns a copy of the session, reading through to the repository on a miss.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		c := e.Clone()
		s.mu.Unlock()
		s.hit()
		return c, nil
	}
	gen := s.writes[id]
	s.reading[id]++
	s.mu.Unlock()
	s.miss()
	defer s.doneReading(id)

	v, err, _ := s.group.Do(id, func() (any, error) {
		sess, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, ErrNotFound
		}
		s.mu.Lock()
		if s.writes[id] == gen {
			if _, ok := s.entries[id]; !ok {
				s.entries[id] = sess.Clone()
			}
		}
		s.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session).Clone(), nil
}

// Create persists a new session and caches it.
func (s *SessionStore) Create(ctx context.Context, sess *domain.Session) error {
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.wrote(sess.ID)
	s.entries[sess.ID] = sess.Clone()
	s.mu.Unlock()
	return nil
}

// PutField writes one artifact slot; an empty value clears it.
func (s *SessionStore) PutField(ctx context.Context, id string, slot domain.Slot, value json.RawMessage) error {
	version, err := s.repo.PutField(ctx, id, slot, value)
	s.apply(id, err, func(e *domain.Session) {
		if len(value) == 0 {
			delete(e.Artifacts, slot)
		} else {
			e.Artifacts[slot] = append(json.RawMessage(nil), value...)
		}
		e.Version = version
		e.UpdatedAt = time.Now()
	})
	if err != nil {
		return fmt.Errorf("put field %s: %w", slot, err)
	}
	return nil
}

// PutState writes the session state.
func (s *SessionStore) PutState(ctx context.Context, id string, state domain.State) error {
	version, err := s.repo.PutState(ctx, id, state)
	s.apply(id, err, func(e *domain.Session) {
		e.State = state
		e.Version = version
		e.UpdatedAt = time.Now()
	})
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// Commit applies a whole step and returns the committed session.
func (s *SessionStore) Commit(ctx context.Context, c Commit) (*domain.Session, error) {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	version, err := s.repo.Commit(ctx, c)

	var committed *domain.Session
	s.apply(c.SessionID, err, func(e *domain.Session) {
		e.State = c.State
		e.Version = version
		e.UpdatedAt = c.UpdatedAt
		for _, slot := range c.Clear {
			delete(e.Artifacts, slot)
		}
		for slot, v := range c.Set {
			e.Artifacts[slot] = append(json.RawMessage(nil), v...)
		}
		e.History = append(e.History, c.Turns...)
		committed = e.Clone()
	})
	if err != nil {
		return nil, err
	}
	if committed == nil {
		// Not cached. Read through so the caller sees the stored result.
		return s.Get(ctx, c.SessionID)
	}
	return committed, nil
}

// Invalidate drops the cached copy of id.
func (s *SessionStore) Invalidate(id string) {
	s.mu.Lock()
	s.wrote(id)
	delete(s.entries, id)
	s.mu.Unlock()
}

// Delete removes the session durably and from the cache.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	err := s.repo.DeleteSession(ctx, id)
	s.Invalidate(id)
	return err
}

// Len returns the number of cached sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// wrote records a write to id for any read-through in flight. Callers hold mu.
func (s *SessionStore) wrote(id string) {
	if s.reading[id] > 0 {
		s.writes[id]++
	}
}

func (s *SessionStore) doneReading(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading[id]--
	if s.reading[id] <= 0 {
		delete(s.reading, id)
		delete(s.writes, id)
	}
}

// apply updates the cached entry in place after a successful durable write,
// or drops it after a failed one.
func (s *SessionStore) apply(id string, err error, update func(*domain.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrote(id)
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if err != nil {
		delete(s.entries, id)
		s.logger.Debug("cache entry invalidated after failed write", "session_id", id, "error", err)
		return
	}
	update(e)
}

func (s *SessionStore) hit() {
	if s.observer != nil {
		s.observer.CacheHit()
	}
}

func (s *SessionStore) miss() {
	if s.observer != nil {
		s.observer.CacheMiss()
	}
}
