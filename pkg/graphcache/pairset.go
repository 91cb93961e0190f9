package graphcache

import "sync"

// pairSet is a concurrent set of directed edges (a, b) between slot indices,
// conceptually the set of packed keys (a<<32)|b. Go has no built-in
// concurrent ordered container with weakly-consistent range scans, so this
// follows the design note's sanctioned substitute: a per-source adjacency
// list, sharded by a lock stripe keyed on the source slot. read(a) is then a
// single-bucket, single-lock operation instead of a scan over a shared
// ordered set.
type pairSet struct {
	stripeMask uint32 // stripeCount-1, stripeCount is a power of two
	stripes    []pairStripe
}

type pairStripe struct {
	mu  sync.RWMutex
	adj map[uint32]map[uint32]struct{}
}

func newPairSet(stripeCount uint32) *pairSet {
	ps := &pairSet{
		stripeMask: stripeCount - 1,
		stripes:    make([]pairStripe, stripeCount),
	}
	for i := range ps.stripes {
		ps.stripes[i].adj = make(map[uint32]map[uint32]struct{})
	}
	return ps
}

func (ps *pairSet) stripeFor(a uint32) *pairStripe {
	return &ps.stripes[a&ps.stripeMask]
}

// add inserts the edge (a,b). Idempotent.
func (ps *pairSet) add(a, b uint32) {
	s := ps.stripeFor(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.adj[a]
	if !ok {
		set = make(map[uint32]struct{})
		s.adj[a] = set
	}
	set[b] = struct{}{}
}

// remove deletes the edge (a,b), if present. Idempotent.
func (ps *pairSet) remove(a, b uint32) {
	s := ps.stripeFor(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.adj[a]
	if !ok {
		return
	}
	delete(set, b)
	if len(set) == 0 {
		delete(s.adj, a)
	}
}

// toggle adds or removes (a,b) depending on on.
func (ps *pairSet) toggle(on bool, a, b uint32) {
	if on {
		ps.add(a, b)
	} else {
		ps.remove(a, b)
	}
}

// has reports whether (a,b) is present.
func (ps *pairSet) has(a, b uint32) bool {
	s := ps.stripeFor(a)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.adj[a]
	if !ok {
		return false
	}
	_, ok = set[b]
	return ok
}

// read returns every b such that (a,b) is present. The returned slice is a
// snapshot taken under the stripe's read lock; it does not alias internal
// storage.
func (ps *pairSet) read(a uint32) []uint32 {
	s := ps.stripeFor(a)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.adj[a]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	return out
}

// removeAllFrom deletes every edge sourced at a and returns the targets that
// were removed, so the caller can invalidate their transpose entries.
func (ps *pairSet) removeAllFrom(a uint32) []uint32 {
	s := ps.stripeFor(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.adj[a]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	delete(s.adj, a)
	return out
}
