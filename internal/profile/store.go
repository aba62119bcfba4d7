// Package profile maintains rolling per-entity behavioral statistics.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is an arena of entity profiles split across shards.
// Each entity publishes immutable snapshots through an atomic pointer, so readers
// never block and never see a partially applied update. Writers to the same entity
// serialize on the entity's mutex; different entities update in parallel.
type Store struct {
	shards         []*shard
	alpha          float64
	beneficiaryCap int

	// Optional snapshot backing (Redis or LRU).
	cache    domain.Cache
	cacheTTL time.Duration
}

type shard struct {
	mu       sync.RWMutex
	entities map[string]*entity
}

type entity struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.EntityProfile]
}

// Options configures a Store.
type Options struct {
	Shards         int
	Alpha          float64 // EWMA smoothing factor in (0,1]
	BeneficiaryCap int     // max remembered beneficiaries per account
	Cache          domain.Cache
	CacheTTL       time.Duration
}

// NewStore creates an empty profile store.
func NewStore(opts Options) *Store {
	if opts.Shards <= 0 {
		opts.Shards = 64
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = 0.1
	}
	if opts.BeneficiaryCap <= 0 {
		opts.BeneficiaryCap = 512
	}

	s := &Store{
		shards:         make([]*shard, opts.Shards),
		alpha:          opts.Alpha,
		beneficiaryCap: opts.BeneficiaryCap,
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entities: make(map[string]*entity)}
	}
	return s
}

// Get returns the current snapshot for an entity, or an empty profile if the
// entity has never been seen. It always returns a usable profile. A non-nil
// error wraps domain.ErrProfileStoreUnavailable and means the snapshot backing
// could not be consulted, so the returned profile may be emptier than reality.
func (s *Store) Get(ctx context.Context, entityID string) (*domain.EntityProfile, error) {
	if e := s.lookup(entityID); e != nil {
		return e.snap.Load(), nil
	}

	if s.cache == nil {
		return domain.NewEntityProfile(entityID), nil
	}

	p, err := s.loadSnapshot(ctx, entityID)
	if err != nil {
		return domain.NewEntityProfile(entityID), fmt.Errorf("%w: %v", domain.ErrProfileStoreUnavailable, err)
	}
	if p == nil {
		return domain.NewEntityProfile(entityID), nil
	}

	return s.insert(entityID, p).snap.Load(), nil
}

// View returns the pre-update profiles an event is scored against.
// The returned error, if any, wraps domain.ErrProfileStoreUnavailable.
func (s *Store) View(ctx context.Context, ev *domain.PaymentEvent) (domain.ProfileView, error) {
	acct, accErr := s.Get(ctx, ev.AccountKey())
	bene, beneErr := s.Get(ctx, ev.BeneficiaryKey())

	view := domain.ProfileView{Account: acct, Beneficiary: bene}
	if accErr != nil {
		return view, accErr
	}
	return view, beneErr
}

// Update folds an event into an entity's profile and returns the new snapshot.
// Callers must only call Update after the event has been scored.
func (s *Store) Update(ctx context.Context, entityID string, ev *domain.PaymentEvent) *domain.EntityProfile {
	e := s.lookup(entityID)
	if e == nil {
		initial, err := s.loadSnapshot(ctx, entityID)
		if err != nil {
			slog.Warn("profile snapshot unavailable, starting from empty profile",
				"entity_id", entityID,
				"error", err,
			)
		}
		if initial == nil {
			initial = domain.NewEntityProfile(entityID)
		}
		e = s.insert(entityID, initial)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.snap.Load().Clone()
	s.apply(next, ev)
	e.snap.Store(next)

	s.saveSnapshot(ctx, next)
	return next
}

// Len returns the number of entities held in memory.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entities)
		sh.mu.RUnlock()
	}
	return n
}

// apply performs the incremental update on a private copy.
func (s *Store) apply(p *domain.EntityProfile, ev *domain.PaymentEvent) {
	x := ev.Amount
	if p.Count == 0 {
		p.MeanAmount = x
		p.VarAmount = 0
	} else {
		// Plain running average until enough history exists for the EWMA to be meaningful.
		a := s.alpha
		if w := 1 / float64(p.Count+1); w > a {
			a = w
		}
		diff := x - p.MeanAmount
		incr := a * diff
		p.MeanAmount += incr
		p.VarAmount = (1 - a) * (p.VarAmount + diff*incr)
	}

	hour := ev.Timestamp.UTC().Hour()
	if p.HourHistogram[hour] == math.MaxUint32 {
		for i := range p.HourHistogram {
			p.HourHistogram[i] /= 2
		}
	}
	p.HourHistogram[hour]++

	if p.Kind == domain.EntityAccount && ev.BeneficiaryID != "" {
		if p.Beneficiaries == nil {
			p.Beneficiaries = make(map[string]time.Time)
		}
		p.Beneficiaries[ev.BeneficiaryID] = ev.Timestamp
		if len(p.Beneficiaries) > s.beneficiaryCap {
			evictOldest(p.Beneficiaries)
		}
	}

	if ev.Timestamp.After(p.LastSeen) {
		p.LastSeen = ev.Timestamp
	}
	p.Count++
	p.Version++
}

func evictOldest(m map[string]time.Time) {
	var oldestID string
	var oldest time.Time
	first := true
	for id, ts := range m {
		if first || ts.Before(oldest) || (ts.Equal(oldest) && id < oldestID) {
			oldestID, oldest, first = id, ts, false
		}
	}
	delete(m, oldestID)
}

func (s *Store) shardFor(entityID string) *shard {
	return s.shards[shardIndex(entityID, len(s.shards))]
}

func (s *Store) lookup(entityID string) *entity {
	sh := s.shardFor(entityID)
	sh.mu.RLock()
	e := sh.entities[entityID]
	sh.mu.RUnlock()
	return e
}

// insert adds an entity with an initial snapshot unless another goroutine won the race.
func (s *Store) insert(entityID string, initial *domain.EntityProfile) *entity {
	sh := s.shardFor(entityID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entities[entityID]; ok {
		return e
	}
	e := &entity{}
	e.snap.Store(initial)
	sh.entities[entityID] = e
	return e
}

func (s *Store) loadSnapshot(ctx context.Context, entityID string) (*domain.EntityProfile, error) {
	if s.cache == nil {
		return nil, nil
	}
	data, err := s.cache.Get(ctx, domain.CacheKeyProfile+entityID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var p domain.EntityProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", entityID, err)
	}
	return &p, nil
}

func (s *Store) saveSnapshot(ctx context.Context, p *domain.EntityProfile) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to encode profile snapshot", "entity_id", p.EntityID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, domain.CacheKeyProfile+p.EntityID, data, s.cacheTTL); err != nil {
		slog.Warn("failed to persist profile snapshot",
			"entity_id", p.EntityID,
			"version", p.Version,
			"error", err,
		)
	}
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
