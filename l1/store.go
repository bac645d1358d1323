// Package l1 implements the bounded, tiered in-process memory cache: three
// capacity-capped bands (hot/warm/cold) with LRU-within-band eviction,
// access-driven promotion/demotion, and TTL expiry.
package l1

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachetier/orchestrator/keycodec"
	"github.com/cachetier/orchestrator/valuecodec"
)

// Band identifies one of the three temperature bands an Entry can live in.
type Band int

const (
	BandHot Band = iota
	BandWarm
	BandCold

	numBands = 3
)

func (b Band) String() string {
	switch b {
	case BandHot:
		return "hot"
	case BandWarm:
		return "warm"
	case BandCold:
		return "cold"
	default:
		return "unknown"
	}
}

// cooler returns the next band toward cold, if any.
func (b Band) cooler() (Band, bool) {
	switch b {
	case BandHot:
		return BandWarm, true
	case BandWarm:
		return BandCold, true
	default:
		return 0, false
	}
}

// hotter returns the next band toward hot, if any.
func (b Band) hotter() (Band, bool) {
	switch b {
	case BandCold:
		return BandWarm, true
	case BandWarm:
		return BandHot, true
	default:
		return 0, false
	}
}

// Entry describes a stored value and the bookkeeping kept for it. Get
// returns only the value, not an Entry.
type Entry struct {
	Key             string
	Value           any
	StoredAt        time.Time
	TTL             time.Duration
	Tier            Band
	AccessCount     uint64
	LastAccess      time.Time
	ApproxSizeBytes int
}

// element is the mutable record kept inside a band's LRU list.
type element struct {
	key         string
	value       any
	storedAt    time.Time
	ttl         time.Duration
	accessCount uint64
	lastAccess  time.Time
	size        int
	band        Band
	node        *list.Element
}

func (e *element) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl
}

// Config configures a Store.
type Config struct {
	TotalBytes  int
	HotBytes    int
	WarmBytes   int
	ColdBytes   int
	DefaultTTL  time.Duration
	// PromotionThreshold is the access_count at which an entry moves one
	// band toward hot.
	PromotionThreshold uint64
	// DemotionWindow is the inactivity duration after which an entry not
	// hit moves one band toward cold.
	DemotionWindow time.Duration
}

type band struct {
	mu       sync.Mutex
	capacity int
	used     int64      // atomic
	order    *list.List // front = MRU, back = LRU
	items    map[string]*element
}

func newBand(capacity int) *band {
	return &band{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*element),
	}
}

// Store is the tiered in-process cache: three capacity-capped bands
// with LRU eviction, promotion/demotion, and TTL expiry.
type Store struct {
	bands [numBands]*band
	// index maps key -> band, letting Get/Delete find an entry's band
	// without scanning all three. Reads/writes are independent per key,
	// so a sync.Map is effectively lock-free for the read-heavy steady
	// state.
	index sync.Map // string -> Band

	cfg Config

	totalUsed int64 // atomic, exact accounting across all bands

	healthy atomic.Bool
}

// New constructs a Store. Band capacities must sum to at most cfg.TotalBytes.
func New(cfg Config) *Store {
	s := &Store{
		cfg: cfg,
		bands: [numBands]*band{
			BandHot:  newBand(cfg.HotBytes),
			BandWarm: newBand(cfg.WarmBytes),
			BandCold: newBand(cfg.ColdBytes),
		},
	}
	s.healthy.Store(true)
	return s
}

func sizeOf(value any) int {
	if b, ok := value.([]byte); ok {
		return len(b)
	}
	return valuecodec.EstimateSize(value)
}

// Get returns the stored value for k and whether it was present and
// unexpired. A hit updates access_count, last_access, and may promote the
// entry toward hot.
func (s *Store) Get(k string) (any, bool) {
	bandIdx, ok := s.bandOf(k)
	if !ok {
		return nil, false
	}

	b := s.bands[bandIdx]
	b.mu.Lock()
	e, ok := b.items[k]
	if !ok {
		b.mu.Unlock()
		return nil, false
	}

	now := time.Now()
	if e.expired(now) {
		s.removeLocked(b, bandIdx, e)
		b.mu.Unlock()
		return nil, false
	}

	e.accessCount++
	e.lastAccess = now
	b.order.MoveToFront(e.node)
	value := e.value
	promote := e.accessCount >= s.cfg.PromotionThreshold && s.cfg.PromotionThreshold > 0
	b.mu.Unlock()

	if promote {
		s.promote(k, bandIdx)
	}

	return value, true
}

// Exists reports whether k is present and unexpired, without affecting LRU
// order or access statistics.
func (s *Store) Exists(k string) bool {
	bandIdx, ok := s.bandOf(k)
	if !ok {
		return false
	}
	b := s.bands[bandIdx]
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[k]
	if !ok {
		return false
	}
	return !e.expired(time.Now())
}

// Set inserts or updates k. New keys enter the warm band; existing keys keep
// their current band but refresh value/ttl/size. ttl == 0 means no
// expiration.
func (s *Store) Set(k string, value any, ttl time.Duration) {
	size := sizeOf(value)
	now := time.Now()

	if bandIdx, ok := s.bandOf(k); ok {
		b := s.bands[bandIdx]
		b.mu.Lock()
		if e, ok := b.items[k]; ok {
			delta := int64(size - e.size)
			e.value = value
			e.size = size
			e.ttl = ttl
			e.storedAt = now
			b.order.MoveToFront(e.node)
			atomic.AddInt64(&b.used, delta)
			atomic.AddInt64(&s.totalUsed, delta)
			b.mu.Unlock()
			s.settleBand(bandIdx, k)
			return
		}
		b.mu.Unlock()
	}

	e := &element{
		key:         k,
		value:       value,
		storedAt:    now,
		ttl:         ttl,
		lastAccess:  now,
		accessCount: 0,
		size:        size,
		band:        BandWarm,
	}
	s.insert(BandWarm, e, k)
}

// insert places e into band bi, updating accounting and the key index, then
// settles the band (evicting/cascading as needed). protect names the key
// the triggering operation is storing, which eviction must never discard;
// "" protects nothing.
func (s *Store) insert(bi Band, e *element, protect string) {
	b := s.bands[bi]
	b.mu.Lock()
	e.band = bi
	e.node = b.order.PushFront(e)
	b.items[e.key] = e
	atomic.AddInt64(&b.used, int64(e.size))
	atomic.AddInt64(&s.totalUsed, int64(e.size))
	b.mu.Unlock()

	s.index.Store(e.key, bi)
	s.settleBand(bi, protect)
}

// settleBand evicts LRU entries from band bi until it is at or under
// capacity, cascading victims to the next-cooler band (or off the cache
// entirely from cold). When only the protected entry remains and the band
// is still over its cap (the insert is bigger than the band), the entry
// stays put and the budget is reclaimed from the oldest entries elsewhere
// instead; an insert never discards itself.
func (s *Store) settleBand(bi Band, protect string) {
	for {
		b := s.bands[bi]
		b.mu.Lock()
		if atomic.LoadInt64(&b.used) <= int64(b.capacity) || b.order.Len() == 0 {
			b.mu.Unlock()
			return
		}

		var victim *element
		for node := b.order.Back(); node != nil; node = node.Prev() {
			if e := node.Value.(*element); e.key != protect {
				victim = e
				break
			}
		}
		if victim == nil {
			b.mu.Unlock()
			s.evictOldestUntilFits(protect)
			return
		}
		s.removeLocked(b, bi, victim)
		b.mu.Unlock()

		if cooler, ok := bi.cooler(); ok {
			victim.accessCount = 0 // demoted entries re-earn promotion
			s.insert(cooler, victim, protect)
			continue
		}
		// Evicted from cold: leaves the cache entirely.
	}
}

// evictOldestUntilFits discards the least-recently-used entry across all
// bands (ties broken by lowest access count), sparing protect, until the
// total byte accounting fits TotalBytes again. If nothing but the
// protected entry remains, it returns with whatever is left; the cache
// holds the entry rather than failing the insert.
func (s *Store) evictOldestUntilFits(protect string) {
	for atomic.LoadInt64(&s.totalUsed) > int64(s.cfg.TotalBytes) {
		var (
			oldest     *element
			oldestBand Band
		)
		for bi := range s.bands {
			b := s.bands[bi]
			b.mu.Lock()
			for node := b.order.Back(); node != nil; node = node.Prev() {
				e := node.Value.(*element)
				if e.key == protect {
					continue
				}
				if oldest == nil || e.lastAccess.Before(oldest.lastAccess) ||
					(e.lastAccess.Equal(oldest.lastAccess) && e.accessCount < oldest.accessCount) {
					oldest = e
					oldestBand = Band(bi)
				}
				break // the back-most unprotected entry is this band's LRU
			}
			b.mu.Unlock()
		}
		if oldest == nil {
			return
		}

		b := s.bands[oldestBand]
		b.mu.Lock()
		if _, ok := b.items[oldest.key]; ok {
			s.removeLocked(b, oldestBand, oldest)
		}
		b.mu.Unlock()
	}
}

// removeLocked removes e from band b (caller holds b.mu) and updates
// accounting and the key index. It does not itself trigger cascading.
func (s *Store) removeLocked(b *band, bi Band, e *element) {
	b.order.Remove(e.node)
	delete(b.items, e.key)
	atomic.AddInt64(&b.used, -int64(e.size))
	atomic.AddInt64(&s.totalUsed, -int64(e.size))
	s.index.Delete(e.key)
}

// Delete removes k from the cache. Returns true if it was present.
func (s *Store) Delete(k string) bool {
	bandIdx, ok := s.bandOf(k)
	if !ok {
		return false
	}
	b := s.bands[bandIdx]
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[k]
	if !ok {
		return false
	}
	s.removeLocked(b, bandIdx, e)
	return true
}

// InvalidatePattern deletes every key matching p and returns the count
// removed.
func (s *Store) InvalidatePattern(p *keycodec.Pattern) int {
	var toDelete []string
	for bi := range s.bands {
		b := s.bands[bi]
		b.mu.Lock()
		for key := range b.items {
			if p.Match(key) {
				toDelete = append(toDelete, key)
			}
		}
		b.mu.Unlock()
	}

	count := 0
	for _, key := range toDelete {
		if s.Delete(key) {
			count++
		}
	}
	return count
}

// CleanupExpired removes every expired entry across all bands and demotes
// entries inactive beyond the configured demotion window. It returns the
// number of entries removed for having expired (demotions are not counted,
// only TTL-driven removals are reported).
func (s *Store) CleanupExpired() int {
	now := time.Now()
	removed := 0

	for bi := range s.bands {
		b := s.bands[bi]
		var expired, stale []*element

		b.mu.Lock()
		for _, e := range b.items {
			if e.expired(now) {
				expired = append(expired, e)
				continue
			}
			if s.cfg.DemotionWindow > 0 && now.Sub(e.lastAccess) >= s.cfg.DemotionWindow {
				if _, ok := Band(bi).cooler(); ok {
					stale = append(stale, e)
				}
			}
		}
		for _, e := range expired {
			s.removeLocked(b, Band(bi), e)
		}
		for _, e := range stale {
			s.removeLocked(b, Band(bi), e)
		}
		b.mu.Unlock()

		removed += len(expired)

		for _, e := range stale {
			cooler, _ := Band(bi).cooler()
			e.accessCount = 0
			s.insert(cooler, e, "")
		}
	}

	return removed
}

// promote moves the entry for k one band toward hot, if it is not already
// hot. The caller has already released any band lock.
func (s *Store) promote(k string, from Band) {
	hotter, ok := from.hotter()
	if !ok {
		return
	}

	b := s.bands[from]
	b.mu.Lock()
	e, ok := b.items[k]
	if !ok {
		b.mu.Unlock()
		return
	}
	s.removeLocked(b, from, e)
	b.mu.Unlock()

	e.accessCount = 0
	s.insert(hotter, e, e.key)
}

func (s *Store) bandOf(k string) (Band, bool) {
	v, ok := s.index.Load(k)
	if !ok {
		return 0, false
	}
	return v.(Band), true
}

// TotalSizeBytes returns the exact current byte accounting across all
// bands.
func (s *Store) TotalSizeBytes() int {
	return int(atomic.LoadInt64(&s.totalUsed))
}

// BandSizeBytes returns the current byte usage of a single band.
func (s *Store) BandSizeBytes(bi Band) int {
	return int(atomic.LoadInt64(&s.bands[bi].used))
}

// Health reports whether the store is accepting operations. L1 has no
// external dependency so it is effectively always healthy once
// constructed; the bool form matches the shape every tier's health report
// takes.
func (s *Store) Health() (healthy bool, detail map[string]any) {
	return s.healthy.Load(), map[string]any{
		"total_bytes": s.TotalSizeBytes(),
		"hot_bytes":   s.BandSizeBytes(BandHot),
		"warm_bytes":  s.BandSizeBytes(BandWarm),
		"cold_bytes":  s.BandSizeBytes(BandCold),
	}
}

// Clear removes every entry from every band. Used by tests and by a full
// cache reset.
func (s *Store) Clear() {
	for bi := range s.bands {
		b := s.bands[bi]
		b.mu.Lock()
		b.items = make(map[string]*element)
		b.order = list.New()
		atomic.StoreInt64(&b.used, 0)
		b.mu.Unlock()
	}
	s.index.Range(func(k, _ any) bool {
		s.index.Delete(k)
		return true
	})
	atomic.StoreInt64(&s.totalUsed, 0)
}

// Size returns the number of entries currently stored, across all bands.
func (s *Store) Size() int {
	n := 0
	for bi := range s.bands {
		b := s.bands[bi]
		b.mu.Lock()
		n += len(b.items)
		b.mu.Unlock()
	}
	return n
}
