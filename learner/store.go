// Package learner implements the write-through cache and per-learner
// exclusive-access guarantee over adaptive learning state.
package learner

import (
	"container/list"
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lumina-learning/pulse-core/domain/learner"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/metrics"
)

// DefaultMaxEntries bounds the in-memory cache. Unlike a TTL cache, entries
// never expire on their own; they are evicted only when the cache is full
// and a new learner is loaded.
const DefaultMaxEntries = 50000

// Config controls the size of the in-process cache.
type Config struct {
	MaxEntries int
}

// DefaultConfig returns the documented default cache size.
func DefaultConfig() Config {
	return Config{MaxEntries: DefaultMaxEntries}
}

type entry struct {
	learnerID string
	state     *learner.State
}

// Store is a size-bounded, write-through LRU cache over learner state,
// backed by a Persister for durability. Every mutation goes through Apply,
// which serializes access per learner so no two goroutines can read-modify-
// write the same learner's state concurrently.
type Store struct {
	cfg       Config
	persister Persister
	metrics   *metrics.Metrics

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	keyLocks   map[string]*sync.Mutex
	keyLocksMu sync.Mutex

	now func() time.Time
}

// NewStore constructs a Store over the given durable persister.
func NewStore(cfg Config, persister Persister, m *metrics.Metrics) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Store{
		cfg:       cfg,
		persister: persister,
		metrics:   m,
		items:     make(map[string]*list.Element),
		eviction:  list.New(),
		keyLocks:  make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// lockFor returns the mutex guarding a single learner's state, creating one
// on first use. Locks are never removed, so the map grows with the number of
// distinct learners ever touched by this process; this is bounded in
// practice by the same working set the LRU itself bounds.
func (s *Store) lockFor(learnerID string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[learnerID]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[learnerID] = l
	}
	return l
}

// Get returns a copy-on-read of a learner's state, loading from the
// persister and populating the cache on a miss. Returns a fresh zero-value
// state, not an error, if the learner has never been persisted.
func (s *Store) Get(ctx context.Context, learnerID, tenantID string) (*learner.State, error) {
	lock := s.lockFor(learnerID)
	lock.Lock()
	defer lock.Unlock()
	state, err := s.getLocked(ctx, learnerID, tenantID)
	if err != nil {
		return nil, err
	}
	return cloneState(state), nil
}

func (s *Store) getLocked(ctx context.Context, learnerID, tenantID string) (*learner.State, error) {
	s.mu.Lock()
	if el, ok := s.items[learnerID]; ok {
		s.eviction.MoveToFront(el)
		state := el.Value.(*entry).state
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordCacheHit("learner_state")
		}
		return state, nil
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordCacheMiss("learner_state")
	}

	state, err := s.persister.Load(ctx, learnerID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = learner.NewState(learnerID, tenantID)
	}
	s.put(learnerID, state)
	return state, nil
}

func (s *Store) put(learnerID string, state *learner.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[learnerID]; ok {
		el.Value.(*entry).state = state
		s.eviction.MoveToFront(el)
		return
	}

	el := s.eviction.PushFront(&entry{learnerID: learnerID, state: state})
	s.items[learnerID] = el

	for s.eviction.Len() > s.cfg.MaxEntries {
		oldest := s.eviction.Back()
		if oldest == nil {
			break
		}
		s.eviction.Remove(oldest)
		delete(s.items, oldest.Value.(*entry).learnerID)
	}
}

// Mutator transforms a learner's state in place. Returning an error aborts
// the Apply without persisting or caching any change.
type Mutator func(state *learner.State) error

// Apply loads a learner's current state, applies fn under the per-learner
// lock, persists the result, and updates the cache, all before any other
// caller can observe or mutate the same learner. Apply and Transact are the
// only paths that persist learner state, and both hold the per-learner lock;
// that is what makes exclusive per-learner ownership hold even with a
// concurrent consumer pool.
func (s *Store) Apply(ctx context.Context, learnerID, tenantID string, fn Mutator) (*learner.State, error) {
	lock := s.lockFor(learnerID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.getLocked(ctx, learnerID, tenantID)
	if err != nil {
		return nil, err
	}

	working := cloneState(state)
	if err := fn(working); err != nil {
		return nil, err
	}

	working.Version++
	working.UpdatedAt = s.now()

	if err := s.persister.Save(ctx, working); err != nil {
		return nil, errors.Internal("persist learner state", err)
	}
	s.put(learnerID, working)
	return working, nil
}

// TxMutator evaluates a learner's next state within a caller-managed
// transaction, durably writing both the new state and any side effects
// (such as outbox rows) via tx before returning. Returning an error rolls
// the transaction back and aborts the Transact call.
type TxMutator func(tx *sql.Tx, state *learner.State) (*learner.State, error)

// Transact runs fn under the per-learner lock and a single SQL transaction,
// so learner-state persistence and any durable side effects fn performs on
// tx commit atomically together. The in-memory cache is updated only after
// a successful commit. db must be the same database the Store's persister
// writes to.
func (s *Store) Transact(ctx context.Context, db *sql.DB, learnerID, tenantID string, fn TxMutator) (*learner.State, error) {
	lock := s.lockFor(learnerID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.getLocked(ctx, learnerID, tenantID)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.DatabaseError("begin_learner_transaction", err)
	}

	working, err := fn(tx, cloneState(current))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.DatabaseError("commit_learner_transaction", err)
	}

	s.put(learnerID, working)
	return working, nil
}

// Prime seeds or refreshes the in-memory cache for a learner without going
// through the persister, for callers (such as Transact's fn) that already
// know the durable state is current.
func (s *Store) Prime(learnerID string, state *learner.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[learnerID]; ok {
		el.Value.(*entry).state = state
		s.eviction.MoveToFront(el)
		return
	}
	el := s.eviction.PushFront(&entry{learnerID: learnerID, state: state})
	s.items[learnerID] = el
}

func cloneState(state *learner.State) *learner.State {
	clone := *state
	clone.RecentSELAlerts = append([]learner.SELAlert(nil), state.RecentSELAlerts...)
	clone.RecentAssessments = append([]learner.Assessment(nil), state.RecentAssessments...)
	return &clone
}

// Len reports the current number of cached learners, for tests and metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eviction.Len()
}
