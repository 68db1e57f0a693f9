// Package awareness keeps the ephemeral per-client presence of a document:
// cursors, selections and display identity. Entries are last-writer-wins per
// client id and expire when their owner stops sending heartbeats.
package awareness

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is the liveness window after which a silent entry is removed.
const DefaultTimeout = 30 * time.Second

type Entry struct {
	ClientID string          `json:"clientId"`
	Clock    uint64          `json:"clock"`
	Payload  json.RawMessage `json:"payload"`
	LastSeen time.Time       `json:"-"`
}

// Update is a presence change to broadcast. A nil Payload is a retraction.
type Update struct {
	ClientID string
	Clock    uint64
	Payload  json.RawMessage
}

func (u Update) Removed() bool {
	return u.Payload == nil
}

type Store struct {
	mu      sync.RWMutex
	states  map[string]*Entry
	clocks  map[string]uint64
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Store)

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		states:  make(map[string]*Entry),
		clocks:  make(map[string]uint64),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// SetLocal stamps payload with the next clock for clientID and stores it.
func (s *Store) SetLocal(clientID string, payload json.RawMessage) Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock := s.clocks[clientID] + 1
	s.clocks[clientID] = clock
	s.states[clientID] = &Entry{
		ClientID: clientID,
		Clock:    clock,
		Payload:  clone(payload),
		LastSeen: s.now(),
	}
	return Update{ClientID: clientID, Clock: clock, Payload: clone(payload)}
}

// ApplyRemote stores payload if clock is newer than anything seen for
// clientID, including a previous removal. Stale or duplicate updates are
// dropped and reported as false.
func (s *Store) ApplyRemote(clientID string, payload json.RawMessage, clock uint64) bool {
	if clientID == "" || payload == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if known, ok := s.clocks[clientID]; ok && clock <= known {
		return false
	}
	s.clocks[clientID] = clock
	s.states[clientID] = &Entry{
		ClientID: clientID,
		Clock:    clock,
		Payload:  clone(payload),
		LastSeen: s.now(),
	}
	return true
}

// ApplyLeave removes clientID on a remote retraction. A zero clock retracts
// whatever is stored; otherwise the retraction must not be older than the
// stored entry.
func (s *Store) ApplyLeave(clientID string, clock uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[clientID]
	if !ok {
		if clock > s.clocks[clientID] {
			s.clocks[clientID] = clock
		}
		return false
	}
	if clock != 0 && clock < entry.Clock {
		return false
	}
	if clock > entry.Clock {
		s.clocks[clientID] = clock
	}
	delete(s.states, clientID)
	return true
}

// RemoveExplicit drops clientID immediately, for a graceful leave.
func (s *Store) RemoveExplicit(clientID string) (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.states[clientID]
	if !ok {
		return Update{}, false
	}
	delete(s.states, clientID)
	return Update{ClientID: clientID, Clock: entry.Clock}, true
}

// RemoveStale drops every entry not refreshed within the liveness window and
// returns the retractions in client id order.
func (s *Store) RemoveStale(now time.Time) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Update
	for id, entry := range s.states {
		if now.Sub(entry.LastSeen) > s.timeout {
			delete(s.states, id)
			removed = append(removed, Update{ClientID: id, Clock: entry.Clock})
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].ClientID < removed[j].ClientID })
	return removed
}

func (s *Store) Get(clientID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.states[clientID]
	if !ok {
		return Entry{}, false
	}
	out := *entry
	out.Payload = clone(entry.Payload)
	return out, true
}

// States returns a copy of every live entry in client id order.
func (s *Store) States() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.states))
	for _, entry := range s.states {
		e := *entry
		e.Payload = clone(entry.Payload)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage{}, b...)
}
