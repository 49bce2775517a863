package subscription

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chargewatch/internal/transport"
)

type pairKey struct {
	target  transport.ChatTarget
	station string
}

// Store is the in-memory subscription table. All state transitions happen
// under mu; callers only ever see copies.
//
// Cancelled subscriptions are dropped from the table, so every record held
// here is either Active or Fired and the pair index holds at most one id per
// (target, station).
type Store struct {
	mu     sync.Mutex
	byID   map[string]*Subscription
	byPair map[pairKey]string

	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides subscription id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		byID:   map[string]*Subscription{},
		byPair: map[pairKey]string{},
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add inserts sub as a fresh Active subscription. Any existing subscription
// for the same (target, station) pair is cancelled in the same critical
// section, so evaluation never sees both. replaced reports whether one existed.
func (s *Store) Add(sub Subscription) (out Subscription, replaced bool, err error) {
	if sub.Threshold <= 0 {
		return Subscription{}, false, fmt.Errorf("%w: got %d", ErrInvalidThreshold, sub.Threshold)
	}
	if sub.StationID == "" {
		return Subscription{}, false, fmt.Errorf("%w: empty station id", ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{target: sub.Target, station: sub.StationID}
	if prev, ok := s.byPair[key]; ok {
		if p := s.byID[prev]; p != nil {
			p.State = StateCancelled
		}
		delete(s.byID, prev)
		replaced = true
	}

	sub.ID = s.newID()
	sub.State = StateActive
	sub.CreatedAt = s.now()
	sub.FiredAt = time.Time{}
	rec := sub
	s.byID[rec.ID] = &rec
	s.byPair[key] = rec.ID
	return rec, replaced, nil
}

// Remove cancels the subscription with the given id.
func (s *Store) Remove(id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s.cancelLocked(rec), nil
}

// RemoveByPair cancels the subscription target holds for station.
func (s *Store) RemoveByPair(target transport.ChatTarget, stationID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey{target: target, station: stationID}]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	rec, ok := s.byID[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return s.cancelLocked(rec), nil
}

func (s *Store) cancelLocked(rec *Subscription) Subscription {
	rec.State = StateCancelled
	delete(s.byID, rec.ID)
	key := pairKey{target: rec.Target, station: rec.StationID}
	if s.byPair[key] == rec.ID {
		delete(s.byPair, key)
	}
	return *rec
}

// Get returns a copy of the subscription with the given id.
func (s *Store) Get(id string) (Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Subscription{}, false
	}
	return *rec, true
}

// ListByStation returns the Active subscriptions for stationID, ordered by
// creation time, as of a single instant.
func (s *Store) ListByStation(stationID string) []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, 4)
	for _, rec := range s.byID {
		if rec.StationID == stationID && rec.State == StateActive {
			out = append(out, *rec)
		}
	}
	s.mu.Unlock()
	sortByCreated(out)
	return out
}

// ListByTarget returns the Active and Fired subscriptions owned by target.
func (s *Store) ListByTarget(target transport.ChatTarget) []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, 4)
	for _, rec := range s.byID {
		if rec.Target == target {
			out = append(out, *rec)
		}
	}
	s.mu.Unlock()
	sortByCreated(out)
	return out
}

// MarkFired atomically moves an Active subscription to Fired. It returns
// false if the subscription is gone or was not Active.
func (s *Store) MarkFired(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok || rec.State != StateActive {
		return false
	}
	rec.State = StateFired
	rec.FiredAt = s.now()
	return true
}

// DistinctActiveStations returns the sorted ids of stations with at least
// one Active subscription.
func (s *Store) DistinctActiveStations() []string {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.byID))
	for _, rec := range s.byID {
		if rec.State == StateActive {
			seen[rec.StationID] = struct{}{}
		}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Targets returns every distinct chat target holding a subscription.
func (s *Store) Targets() []transport.ChatTarget {
	s.mu.Lock()
	seen := make(map[transport.ChatTarget]struct{}, len(s.byID))
	for _, rec := range s.byID {
		seen[rec.Target] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]transport.ChatTarget, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Expire cancels subscriptions whose ExpiresAt is at or before now and
// returns them.
func (s *Store) Expire(now time.Time) []Subscription {
	s.mu.Lock()
	var out []Subscription
	for _, rec := range s.byID {
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			out = append(out, s.cancelLocked(rec))
		}
	}
	s.mu.Unlock()
	sortByCreated(out)
	return out
}

// Rearm returns Fired subscriptions to Active once cooldown has elapsed
// since they fired. A cooldown <= 0 disables automatic re-arming.
func (s *Store) Rearm(cooldown time.Duration, now time.Time) []Subscription {
	if cooldown <= 0 {
		return nil
	}
	s.mu.Lock()
	var out []Subscription
	for _, rec := range s.byID {
		if rec.State == StateFired && !now.Before(rec.FiredAt.Add(cooldown)) {
			rec.State = StateActive
			rec.FiredAt = time.Time{}
			out = append(out, *rec)
		}
	}
	s.mu.Unlock()
	sortByCreated(out)
	return out
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	stations := map[string]struct{}{}
	targets := map[transport.ChatTarget]struct{}{}
	for _, rec := range s.byID {
		switch rec.State {
		case StateActive:
			st.Active++
			stations[rec.StationID] = struct{}{}
		case StateFired:
			st.Fired++
		}
		targets[rec.Target] = struct{}{}
	}
	st.Stations = len(stations)
	st.Targets = len(targets)
	return st
}

func sortByCreated(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
