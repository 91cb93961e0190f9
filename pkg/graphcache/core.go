// Package graphcache implements a bounded, concurrent cache of the follow
// graph among currently-online users. See the package's design notes for the
// shape of the problem; in short: a fixed open-addressed slot table maps
// user ids to small integer slots, and two directed edge sets (one per
// direction) record who-follows-whom in terms of those slots. The cache
// never grows past its configured capacity — at saturation it silently
// reclaims slots (an offline user's first, otherwise the newcomer's home
// slot) rather than fail.
package graphcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygrid/followcache/internal/metrics"
)

// GraphCore is the cache. It is safe for concurrent use by many goroutines.
type GraphCore struct {
	table            *slotTable
	leftFollowsRight *pairSet // (L,R): user at L follows user at R
	rightFollowsLeft *pairSet // (R,L): transpose, used by Tell to find watchers
	load             Loader
	exec             Executor
	logger           zerolog.Logger
}

// CoreConfig tunes a GraphCore: how many slots it holds, how far linear
// probing searches past a user's home slot, and how many stripe locks guard
// the slot table and each PairSet. It is the in-process mirror of
// internal/config's YAML fields of the same name; a zero MaxStride or
// StripeCount picks the package default. LogCapacity has no default.
type CoreConfig struct {
	LogCapacity int    // cache holds 2^LogCapacity slots
	MaxStride   uint32 // probe window is [home, home+MaxStride]
	StripeCount uint32 // must be a power of two
}

func (c *CoreConfig) applyDefaults() {
	if c.MaxStride == 0 {
		c.MaxStride = defaultMaxStride
	}
	if c.StripeCount == 0 {
		c.StripeCount = defaultStripeCount
	}
}

// NewGraphCore builds a cache per cfg. load is the authoritative source of
// a user's follow list; exec schedules load's continuation (pass nil to use
// DefaultExecutor, which spawns a goroutine).
func NewGraphCore(load Loader, cfg CoreConfig, exec Executor, logger zerolog.Logger) *GraphCore {
	cfg.applyDefaults()
	if exec == nil {
		exec = DefaultExecutor
	}
	return &GraphCore{
		table:            newSlotTable(cfg.LogCapacity, cfg.MaxStride, cfg.StripeCount),
		leftFollowsRight: newPairSet(cfg.StripeCount),
		rightFollowsLeft: newPairSet(cfg.StripeCount),
		load:             load,
		exec:             exec,
		logger:           logger.With().Str("component", "graphcache").Logger(),
	}
}

// Followed returns the users id follows, each decorated with their current
// status if known. A fresh cache entry answers synchronously; a missing or
// stale one triggers a load through the configured Loader.
func (g *GraphCore) Followed(ctx context.Context, id UserID) ([]UserInfo, error) {
	res := g.resolve(id)
	if res.isNew {
		res.release()
		metrics.FollowedOutcome.WithLabelValues("new_load").Inc()
		return g.awaitLoad(ctx, id)
	}

	fresh := g.table.entries[res.idx].fresh
	res.release()
	if fresh {
		metrics.FollowedOutcome.WithLabelValues("fresh_hit").Inc()
		return g.buildFromSlot(res.idx), nil
	}

	metrics.FollowedOutcome.WithLabelValues("stale_reload").Inc()
	return g.awaitLoad(ctx, id)
}

// awaitLoad runs doLoad's continuation on the configured Executor — the
// "execution context" the loader's result is resumed on — and waits for it
// without holding any lock. If ctx is cancelled first, Followed returns
// early; doLoad keeps running in the background and still installs its
// result correctly, since a slot is never claimed until after the loader
// succeeds.
func (g *GraphCore) awaitLoad(ctx context.Context, id UserID) ([]UserInfo, error) {
	type outcome struct {
		out []UserInfo
		err error
	}
	done := make(chan outcome, 1)
	g.exec(func() {
		out, err := g.doLoad(ctx, id)
		done <- outcome{out, err}
	})

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildFromSlot reads the cached projection for a fresh left slot. Right
// entries whose username is still unknown are skipped, matching the merge
// path's promise that a UserInfo is only emitted once a username exists.
func (g *GraphCore) buildFromSlot(left uint32) []UserInfo {
	rights := g.leftFollowsRight.read(left)
	out := make([]UserInfo, 0, len(rights))
	for _, r := range rights {
		m := g.table.stripeFor(r)
		m.Lock()
		e := g.table.entries[r]
		m.Unlock()
		if e.username == "" {
			continue
		}
		out = append(out, UserInfo{ID: e.id, Username: e.username, Meta: copyMeta(e.meta)})
	}
	return out
}

func copyMeta(m *UserMeta) *UserMeta {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// doLoad invokes the external loader, awaits it without holding any slot
// lock, then re-resolves id (it may have moved during the await) and merges
// the result. On loader failure, no slot state changes.
func (g *GraphCore) doLoad(ctx context.Context, id UserID) ([]UserInfo, error) {
	start := time.Now()
	recCh, errCh := g.load(ctx, id)

	var records []FollowRecord
	for rec := range recCh {
		records = append(records, rec)
	}
	var loadErr error
	for err := range errCh {
		if err != nil {
			loadErr = err
		}
	}
	metrics.LoaderDuration.Observe(time.Since(start).Seconds())

	if loadErr != nil {
		g.logger.Warn().Err(loadErr).Stringer("user", id).Msg("follow list load failed")
		metrics.FollowedOutcome.WithLabelValues("load_error").Inc()
		return nil, fmt.Errorf("followcache: load %s: %w", id, loadErr)
	}

	res := g.resolve(id)
	if res.isNew {
		g.table.entries[res.idx] = entry{occupied: true, id: id, fresh: true}
	} else {
		g.table.entries[res.idx].id = id
		g.table.entries[res.idx].fresh = true
	}
	out := g.merge(res.idx, res.stripe, records)
	res.release()
	return out, nil
}

// merge installs or refreshes one right-hand entry per record and links it
// to left via both edge sets. leftStripe is passed through to resolve so a
// right slot sharing left's stripe is not locked twice.
func (g *GraphCore) merge(left uint32, leftStripe *sync.Mutex, records []FollowRecord) []UserInfo {
	out := make([]UserInfo, 0, len(records))
	for _, rec := range records {
		rres := g.resolveGuarded(rec.ID, left, leftStripe)
		if rres.isNew {
			g.table.entries[rres.idx] = entry{occupied: true, id: rec.ID, username: rec.Username}
		} else {
			g.table.entries[rres.idx].username = rec.Username
		}
		g.leftFollowsRight.add(left, rres.idx)
		g.rightFollowsLeft.add(rres.idx, left)
		meta := copyMeta(g.table.entries[rres.idx].meta)
		rres.release()

		out = append(out, UserInfo{ID: rec.ID, Username: rec.Username, Meta: meta})
	}
	return out
}

// Follow records that left follows right. Both users must already occupy a
// slot; tracking a stranger just to remember an edge for them would spend a
// scarce slot for no benefit, so the call is a silent no-op otherwise.
func (g *GraphCore) Follow(left, right UserID) {
	g.toggle(true, left, right)
}

// Unfollow removes the edge recorded by Follow. A no-op if the edge, or
// either endpoint, isn't tracked.
func (g *GraphCore) Unfollow(left, right UserID) {
	g.toggle(false, left, right)
}

func (g *GraphCore) toggle(on bool, left, right UserID) {
	if left == right {
		return
	}
	lres := g.resolve(left)
	if lres.isNew {
		lres.release()
		g.recordFollowOp(on, "noop")
		return
	}
	rres := g.resolveGuarded(right, lres.idx, lres.stripe)
	if rres.isNew {
		rres.release()
		lres.release()
		g.recordFollowOp(on, "noop")
		return
	}

	g.leftFollowsRight.toggle(on, lres.idx, rres.idx)
	g.rightFollowsLeft.toggle(on, rres.idx, lres.idx)

	rres.release()
	lres.release()
	g.recordFollowOp(on, "applied")
}

func (g *GraphCore) recordFollowOp(on bool, outcome string) {
	op := "unfollow"
	if on {
		op = "follow"
	}
	metrics.FollowOps.WithLabelValues(op, outcome).Inc()
}

// Tell reports a user's latest status and returns the ids of every tracked
// user who follows them — the watchers a delivery layer should notify.
func (g *GraphCore) Tell(id UserID, meta UserMeta) []UserID {
	res := g.resolve(id)
	defer res.release()

	m := meta
	if res.isNew {
		g.table.entries[res.idx] = entry{occupied: true, id: id, meta: &m}
		return nil
	}
	g.table.entries[res.idx].meta = &m
	return g.readFollowing(res.idx)
}

// readFollowing returns every L such that (slot,L) is in rightFollowsLeft
// *and* (L,slot) is in leftFollowsRight. The second check guards against
// asymmetry that can arise from slot reuse across the two edge sets.
func (g *GraphCore) readFollowing(slot uint32) []UserID {
	candidates := g.rightFollowsLeft.read(slot)
	out := make([]UserID, 0, len(candidates))
	for _, l := range candidates {
		if !g.leftFollowsRight.has(l, slot) {
			continue
		}
		m := g.table.stripeFor(l)
		m.Lock()
		e := g.table.entries[l]
		m.Unlock()
		if e.occupied {
			out = append(out, e.id)
		}
	}
	return out
}
