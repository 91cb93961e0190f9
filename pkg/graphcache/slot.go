package graphcache

import "sync"

const (
	// defaultMaxStride is the MaxStride used when a CoreConfig leaves the
	// field at its zero value.
	defaultMaxStride = 20

	// defaultStripeCount is the StripeCount used when a CoreConfig leaves
	// the field at its zero value. Must be a power of two.
	defaultStripeCount = 1024
)

// entry is one user known to the cache. The id never changes once the slot
// that holds it is occupied.
type entry struct {
	occupied bool
	id       UserID
	username string
	meta     *UserMeta
	fresh    bool
}

func (e *entry) offlineEligible() bool {
	return !e.occupied || e.meta == nil || !e.meta.Online
}

// slotTable is the fixed, open-addressed array of user entries. Acquiring
// the stripe lock for a slot is the only sanctioned way to read or mutate
// that slot's entry. maxStride and the stripe count are configured per
// table rather than fixed, so a deployment can tune probe depth and lock
// granularity via internal/config without touching this package.
type slotTable struct {
	mask       uint32 // capacity-1, capacity is a power of two
	maxStride  uint32
	stripeMask uint32 // stripeCount-1, stripeCount is a power of two
	entries    []entry
	stripes    []sync.Mutex
}

func newSlotTable(logCapacity int, maxStride, stripeCount uint32) *slotTable {
	capacity := uint32(1) << uint(logCapacity)
	return &slotTable{
		mask:       capacity - 1,
		maxStride:  maxStride,
		stripeMask: stripeCount - 1,
		entries:    make([]entry, capacity),
		stripes:    make([]sync.Mutex, stripeCount),
	}
}

func (t *slotTable) capacity() uint32 { return t.mask + 1 }

func (t *slotTable) stripeFor(slot uint32) *sync.Mutex {
	return &t.stripes[slot&t.stripeMask]
}

func (t *slotTable) lock(slot uint32)   { t.stripeFor(slot).Lock() }
func (t *slotTable) unlock(slot uint32) { t.stripeFor(slot).Unlock() }

func (t *slotTable) home(id UserID) uint32 {
	return hashUserID(id) & t.mask
}

// hashUserID folds a UUID's 16 bytes into a single avalanche-mixed uint64
// and returns its low 32 bits; the caller reduces that mod capacity. uuid.UUID values are themselves
// random (v4) or content-derived; a cheap xor-fold plus a multiply is enough
// to spread them across the table.
func hashUserID(id UserID) uint32 {
	var h uint64 = 0xcbf29ce484222325
	for _, b := range id {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	h ^= h >> 33
	return uint32(h)
}
