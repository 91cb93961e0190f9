package graphcache

import (
	"sync"

	"github.com/relaygrid/followcache/internal/metrics"
)

// resolution is the tagged result of resolve: either NEW (the caller must
// populate the entry) or EXISTING (the entry already held id). Either way
// the slot's stripe lock is held on return; callers must call release() on
// every exit path.
type resolution struct {
	table *slotTable
	idx   uint32
	isNew bool

	stripe *sync.Mutex
	owns   bool // whether this resolution locked the stripe itself
}

func (r resolution) release() {
	if r.owns {
		r.stripe.Unlock()
	}
}

func heldContains(held []*sync.Mutex, m *sync.Mutex) bool {
	for _, h := range held {
		if h == m {
			return true
		}
	}
	return false
}

// noProtect is the sentinel "no excluded slot" value for resolveGuarded: a
// table never has 2^32 slots, so this index is never valid.
const noProtect = ^uint32(0)

// resolve locates or claims a slot for id. held lists stripe mutexes the
// caller already holds (e.g. the left slot's stripe, when resolving the
// right side of a two-slot operation); resolve will not attempt to
// re-acquire any of them, since Go's sync.Mutex is not reentrant and a
// right slot can legitimately share a stripe with the left slot.
func (g *GraphCore) resolve(id UserID, held ...*sync.Mutex) resolution {
	return g.resolveGuarded(id, noProtect, held...)
}

// resolveGuarded is resolve, except slot `protect` is never offered up for
// eviction in the evict-offline pass. merge and toggle use this to resolve
// the right-hand user while the left slot is held. The left entry can itself
// be offline-eligible (doLoad installs it with no meta) — without the guard,
// a right-hand user whose probe window happens to include the left slot
// could reclaim the very entry being linked.
func (g *GraphCore) resolveGuarded(id UserID, protect uint32, held ...*sync.Mutex) resolution {
	t := g.table
	home := t.home(id)

	acquire := func(slot uint32) (*sync.Mutex, bool) {
		m := t.stripeFor(slot)
		if heldContains(held, m) {
			return m, false
		}
		m.Lock()
		return m, true
	}

	// Pass 1: lossless.
	for i := uint32(0); i <= t.maxStride; i++ {
		s := (home + i) & t.mask
		m, owns := acquire(s)
		e := &t.entries[s]
		if !e.occupied {
			metrics.ResolutionsTotal.WithLabelValues("lossless").Inc()
			return resolution{table: t, idx: s, isNew: true, stripe: m, owns: owns}
		}
		if e.id == id {
			metrics.ResolutionsTotal.WithLabelValues("lossless").Inc()
			return resolution{table: t, idx: s, isNew: false, stripe: m, owns: owns}
		}
		if owns {
			m.Unlock()
		}
	}

	// Pass 2: evict an offline stranger.
	for i := uint32(0); i <= t.maxStride; i++ {
		s := (home + i) & t.mask
		m, owns := acquire(s)
		e := &t.entries[s]
		if e.occupied && e.offlineEligible() && s != protect {
			g.reclaim("evict_offline", s, nextHeld(held, m)...)
			metrics.ResolutionsTotal.WithLabelValues("evict_offline").Inc()
			return resolution{table: t, idx: s, isNew: true, stripe: m, owns: owns}
		}
		if owns {
			m.Unlock()
		}
	}

	// Pass 3: overwrite the home slot unconditionally.
	m, owns := acquire(home)
	g.reclaim("overwrite", home, nextHeld(held, m)...)
	metrics.ResolutionsTotal.WithLabelValues("overwrite").Inc()
	return resolution{table: t, idx: home, isNew: true, stripe: m, owns: owns}
}

// nextHeld returns a fresh slice combining held with m, never aliasing held's
// backing array (resolve's loops reuse held across iterations).
func nextHeld(held []*sync.Mutex, m *sync.Mutex) []*sync.Mutex {
	out := make([]*sync.Mutex, len(held)+1)
	copy(out, held)
	out[len(held)] = m
	return out
}

// reclaim clears slot s for reuse: every edge sourced at s in
// leftFollowsRight is removed (and mirrored out of rightFollowsLeft), and
// each of s's former followed-users is marked non-fresh, per invalidate_right
// (§4.4). s's stripe must already be held (it is included in held). Edges
// where s is the *target* of someone else's follow are deliberately left
// alone: the design accepts that a displaced user's followers may carry a
// stale edge until their own fresh bit next clears for an unrelated reason.
func (g *GraphCore) reclaim(pass string, s uint32, held ...*sync.Mutex) {
	evicted := g.table.entries[s]
	targets := g.leftFollowsRight.removeAllFrom(s)
	for _, r := range targets {
		g.rightFollowsLeft.remove(r, s)
		g.clearFresh(r, held...)
	}
	g.table.entries[s] = entry{}
	if evicted.occupied {
		g.logger.Debug().Str("pass", pass).Uint32("slot", s).
			Stringer("evicted_user", evicted.id).Int("severed_edges", len(targets)).
			Msg("reclaiming slot")
	}
}

// clearFresh marks slot r's entry non-fresh, locking its stripe unless
// already held by the caller.
func (g *GraphCore) clearFresh(r uint32, held ...*sync.Mutex) {
	m := g.table.stripeFor(r)
	if heldContains(held, m) {
		g.table.entries[r].fresh = false
		return
	}
	m.Lock()
	g.table.entries[r].fresh = false
	m.Unlock()
}
