package graphcache

import (
	"context"

	"github.com/google/uuid"
)

// UserID identifies a user. It is comparable and hashable as-is, so it can be
// used directly as a map key; the zero value is never a valid id.
type UserID = uuid.UUID

// UserMeta is the status record attached to a tracked user. It is
// intentionally small and extensible.
type UserMeta struct {
	Online bool
}

// UserInfo bundles what the cache knows about a followed user: their id,
// their display name (absent until the loader or a later merge supplies
// it), and their current status (absent until Tell reports one).
type UserInfo struct {
	ID       UserID
	Username string
	Meta     *UserMeta
}

// FollowRecord is one entry of a user's authoritative follow list, as
// produced by Load.
type FollowRecord struct {
	ID       UserID
	Username string
}

// Loader fetches the authoritative list of users that id follows. It is
// asynchronous by contract: records arrive on the returned channel, which is
// closed when the load completes; a value on the error channel (at most one)
// ends the load early and is surfaced to the caller of Followed. Either
// channel may be nil-safe to range over once closed.
type Loader func(ctx context.Context, id UserID) (<-chan FollowRecord, <-chan error)

// Executor schedules fn to run without blocking the caller. The default
// Executor (DefaultExecutor) spawns a goroutine; tests may supply a
// synchronous executor to make interleavings deterministic.
type Executor func(fn func())

// DefaultExecutor runs fn on a new goroutine.
func DefaultExecutor(fn func()) { go fn() }
