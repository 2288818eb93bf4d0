package fusion

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tsawler/go-nnfusion/tensor"
)

// MemoryManager owns the reusable scratch buffers behind the fused
// kernels. Idle tensors live in exactly one shape+dtype bucket; a named
// cache maps caller-chosen keys to recently used slots for fast keyed
// reuse. All state is guarded by a single lock with no fairness
// guarantee, and one manager may be shared by many kernels and
// goroutines.
//
// Every buffer is tracked by an arena slot with a generation counter.
// A Handle is valid only for the generation it was leased under, so a
// double return or a use-after-return fails fast instead of silently
// corrupting a live buffer.
type MemoryManager struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	slots   []slot
	free    []int32
	buckets map[poolKey][]bucketEntry
	named   map[string]namedEntry

	hits        uint64
	misses      uint64
	allocations uint64
	savedBytes  uint64

	lastGC time.Time
	now    func() time.Time
}

// Handle is a lease on a pooled tensor. The zero Handle is invalid and
// ignored by Return, which is what GetOrCreate hands out when memory
// optimization is disabled.
type Handle struct {
	slot       int32 // arena index + 1; 0 means invalid
	generation uint32
}

// Valid reports whether the handle references a leased slot.
func (h Handle) Valid() bool { return h.slot > 0 }

const (
	slotFree uint8 = iota
	slotLeased
	slotPooled
)

type slot struct {
	t     *tensor.Tensor
	gen   uint32
	state uint8
	key   poolKey
}

type poolKey struct {
	shape string
	dtype tensor.DType
}

type bucketEntry struct {
	slot     int32
	pushedAt time.Time
}

type namedEntry struct {
	slot     int32
	gen      uint32
	lastUsed time.Time
}

func shapeString(shape []int) string {
	var b strings.Builder
	for i, dim := range shape {
		if i > 0 {
			b.WriteByte('x')
		}
		b.WriteString(strconv.Itoa(dim))
	}
	return b.String()
}

// NewMemoryManager creates a manager with the given configuration. A
// nil logger falls back to slog.Default.
func NewMemoryManager(config Config, logger *slog.Logger) *MemoryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryManager{
		config:  config,
		logger:  logger,
		buckets: make(map[poolKey][]bucketEntry),
		named:   make(map[string]namedEntry),
		lastGC:  time.Now(),
		now:     time.Now,
	}
}

// GetOrCreate returns a zeroed tensor of the given shape and dtype,
// reusing a pooled buffer when possible. Lookup order: the named cache
// under key, then the matching shape bucket, then a fresh allocation.
// The returned handle must be passed to Return exactly once when the
// kernel is done with the buffer; the caller must not touch the tensor
// afterward.
func (m *MemoryManager) GetOrCreate(key string, shape []int, dtype tensor.DType) (*tensor.Tensor, Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.config.MemoryOptimization {
		m.misses++
		m.allocations++
		t, err := tensor.Zeros(shape, dtype)
		if err != nil {
			return nil, Handle{}, &AllocationError{Shape: shape, DType: dtype, Err: err}
		}
		return t, Handle{}, nil
	}

	now := m.now()
	if now.Sub(m.lastGC) >= m.config.GCInterval {
		m.garbageCollect(now)
	}

	// Named cache first: a valid hint points at an idle slot in a bucket.
	if e, ok := m.named[key]; ok {
		s := &m.slots[e.slot]
		if s.gen != e.gen || s.state != slotPooled {
			delete(m.named, key) // slot was reused under another key
		} else if !s.t.ShapeEquals(shape) || s.t.DType != dtype {
			return nil, Handle{}, &ShapeMismatchError{
				Key:       key,
				WantShape: append([]int{}, shape...),
				WantDType: dtype,
				GotShape:  append([]int{}, s.t.Shape...),
				GotDType:  s.t.DType,
			}
		} else {
			m.removeFromBucket(e.slot, s.key)
			h := m.lease(e.slot)
			m.hits++
			m.savedBytes += uint64(s.t.SizeBytes())
			m.named[key] = namedEntry{slot: e.slot, gen: s.gen, lastUsed: now}
			s.t.Zero()
			return s.t, h, nil
		}
	}

	// Shape bucket next, most recently pushed first.
	pk := poolKey{shape: shapeString(shape), dtype: dtype}
	if entries := m.buckets[pk]; len(entries) > 0 {
		e := entries[len(entries)-1]
		m.buckets[pk] = entries[:len(entries)-1]
		s := &m.slots[e.slot]
		h := m.lease(e.slot)
		m.hits++
		m.savedBytes += uint64(s.t.SizeBytes())
		m.named[key] = namedEntry{slot: e.slot, gen: s.gen, lastUsed: now}
		s.t.Zero()
		return s.t, h, nil
	}

	// Fresh allocation.
	m.misses++
	m.allocations++
	t, err := tensor.Zeros(shape, dtype)
	if err != nil {
		return nil, Handle{}, &AllocationError{Shape: shape, DType: dtype, Err: err}
	}
	idx := m.newSlot(t)
	s := &m.slots[idx]
	h := m.lease(idx)
	m.named[key] = namedEntry{slot: idx, gen: s.gen, lastUsed: now}
	return t, h, nil
}

// Return pushes a leased buffer back onto its shape bucket. Invalid
// (zero) handles are ignored; a stale or doubly returned handle yields
// a StaleHandleError.
func (m *MemoryManager) Return(h Handle) error {
	if !h.Valid() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := h.slot - 1
	if int(idx) >= len(m.slots) {
		return &StaleHandleError{Handle: h}
	}
	s := &m.slots[idx]
	if s.state != slotLeased || s.gen != h.generation {
		return &StaleHandleError{Handle: h}
	}
	s.state = slotPooled
	s.key = poolKey{shape: shapeString(s.t.Shape), dtype: s.t.DType}
	m.buckets[s.key] = append(m.buckets[s.key], bucketEntry{slot: idx, pushedAt: m.now()})
	return nil
}

// lease marks a slot as held by a kernel and bumps its generation,
// invalidating any previously issued handle for it.
func (m *MemoryManager) lease(idx int32) Handle {
	s := &m.slots[idx]
	s.gen++
	s.state = slotLeased
	return Handle{slot: idx + 1, generation: s.gen}
}

func (m *MemoryManager) newSlot(t *tensor.Tensor) int32 {
	if n := len(m.free); n > 0 {
		idx := m.free[n-1]
		m.free = m.free[:n-1]
		m.slots[idx].t = t
		return idx
	}
	m.slots = append(m.slots, slot{t: t})
	return int32(len(m.slots) - 1)
}

func (m *MemoryManager) removeFromBucket(idx int32, pk poolKey) {
	entries := m.buckets[pk]
	for i, e := range entries {
		if e.slot == idx {
			m.buckets[pk] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (m *MemoryManager) freeSlot(idx int32) {
	s := &m.slots[idx]
	s.gen++ // invalidate any named hints pointing here
	s.t = nil
	s.state = slotFree
	m.free = append(m.free, idx)
}

// GarbageCollect evicts named entries and bucket entries older than the
// configured maximum age and truncates each bucket to its cap, keeping
// the most recently pushed entries. Normally triggered opportunistically
// from GetOrCreate; exported for explicit maintenance.
func (m *MemoryManager) GarbageCollect(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.garbageCollect(now)
}

func (m *MemoryManager) garbageCollect(now time.Time) {
	evicted := 0

	for key, e := range m.named {
		s := &m.slots[e.slot]
		if s.gen != e.gen || s.state != slotPooled || now.Sub(e.lastUsed) > m.config.MaxEntryAge {
			delete(m.named, key)
		}
	}

	for pk, entries := range m.buckets {
		kept := entries[:0]
		for _, e := range entries {
			if now.Sub(e.pushedAt) > m.config.MaxEntryAge {
				m.freeSlot(e.slot)
				evicted++
			} else {
				kept = append(kept, e)
			}
		}
		// Entries are appended in push order, so the tail is newest.
		if m.config.BucketCap > 0 && len(kept) > m.config.BucketCap {
			for _, e := range kept[:len(kept)-m.config.BucketCap] {
				m.freeSlot(e.slot)
				evicted++
			}
			kept = append(entries[:0], kept[len(kept)-m.config.BucketCap:]...)
		}
		if len(kept) == 0 {
			delete(m.buckets, pk)
		} else {
			m.buckets[pk] = kept
		}
	}

	m.lastGC = now
	if evicted > 0 {
		m.logger.Debug("pool garbage collection", "evicted", evicted, "buckets", len(m.buckets), "named", len(m.named))
	}
}

// ClearCache empties all buckets and the named cache and zeroes all
// counters. Buffers currently leased to kernels are left alone so their
// outstanding handles stay valid.
func (m *MemoryManager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entries := range m.buckets {
		for _, e := range entries {
			m.freeSlot(e.slot)
		}
	}
	m.buckets = make(map[poolKey][]bucketEntry)
	m.named = make(map[string]namedEntry)
	m.hits = 0
	m.misses = 0
	m.allocations = 0
	m.savedBytes = 0
}

// MemoryStats is a point-in-time snapshot of pool behavior.
type MemoryStats struct {
	// CacheHitRate is hits/(hits+misses); 0 before any request.
	CacheHitRate float64
	// TotalTensorsCached counts distinct idle tensors retained in buckets.
	TotalTensorsCached int
	// NamedEntries counts live named-cache entries. A named entry is an
	// index into the buckets, so it is not added to TotalTensorsCached.
	NamedEntries int
	// MemoryUsageBytes sums the footprint of all live buffers, leased
	// and idle.
	MemoryUsageBytes int
	// MemorySavedBytes accumulates the size of every allocation avoided
	// by reuse.
	MemorySavedBytes uint64
	// PoolEfficiency is the number of reuses per real allocation.
	PoolEfficiency float64
	// GCAge is the time elapsed since the last garbage-collection pass.
	GCAge time.Duration

	Hits        uint64
	Misses      uint64
	Allocations uint64
}

// Stats returns a snapshot of the manager's counters and footprint.
func (m *MemoryManager) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MemoryStats{
		NamedEntries:     len(m.named),
		MemorySavedBytes: m.savedBytes,
		GCAge:            m.now().Sub(m.lastGC),
		Hits:             m.hits,
		Misses:           m.misses,
		Allocations:      m.allocations,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.CacheHitRate = float64(m.hits) / float64(total)
	}
	if m.allocations > 0 {
		stats.PoolEfficiency = float64(m.hits) / float64(m.allocations)
	}
	for _, entries := range m.buckets {
		stats.TotalTensorsCached += len(entries)
	}
	for i := range m.slots {
		if m.slots[i].state != slotFree {
			stats.MemoryUsageBytes += m.slots[i].t.SizeBytes()
		}
	}
	return stats
}
