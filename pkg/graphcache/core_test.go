package graphcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inlineExecutor runs the continuation synchronously, making test
// interleavings deterministic.
func inlineExecutor(fn func()) { fn() }

func newTestCore(t *testing.T, logCapacity int, load Loader) *GraphCore {
	t.Helper()
	return NewGraphCore(load, CoreConfig{LogCapacity: logCapacity}, inlineExecutor, zerolog.Nop())
}

// chanLoader returns a Loader that always serves records (or err, exclusive
// of records) and counts how many times it was invoked.
func chanLoader(calls *int32, records []FollowRecord, err error) Loader {
	return func(ctx context.Context, id UserID) (<-chan FollowRecord, <-chan error) {
		atomic.AddInt32(calls, 1)
		recCh := make(chan FollowRecord, len(records))
		errCh := make(chan error, 1)
		for _, r := range records {
			recCh <- r
		}
		close(recCh)
		if err != nil {
			errCh <- err
		}
		close(errCh)
		return recCh, errCh
	}
}

func findUserWithHome(t *testing.T, table *slotTable, home uint32, exclude map[UserID]bool) UserID {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		id := uuid.New()
		if table.home(id) == home && !exclude[id] {
			return id
		}
	}
	t.Fatalf("could not find a user hashing to home %d", home)
	return UserID{}
}

// TestScenarios covers each walkthrough in spec §8.
func TestScenarios(t *testing.T) {
	t.Run("basic load", func(t *testing.T) {
		alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
		var calls int32
		load := chanLoader(&calls, []FollowRecord{
			{ID: bob, Username: "Bob"},
			{ID: carol, Username: "Carol"},
		}, nil)

		g := newTestCore(t, 8, load)

		out, err := g.Followed(context.Background(), alice)
		require.NoError(t, err)
		require.Len(t, out, 2)
		for _, ui := range out {
			assert.Nil(t, ui.Meta)
		}
		assert.ElementsMatch(t, []UserID{bob, carol}, []UserID{out[0].ID, out[1].ID})

		watchers := g.Tell(bob, UserMeta{Online: true})
		assert.Equal(t, []UserID{alice}, watchers)
	})

	t.Run("second load is served from cache", func(t *testing.T) {
		alice, bob := uuid.New(), uuid.New()
		var calls int32
		load := chanLoader(&calls, []FollowRecord{{ID: bob, Username: "Bob"}}, nil)

		g := newTestCore(t, 8, load)

		first, err := g.Followed(context.Background(), alice)
		require.NoError(t, err)
		second, err := g.Followed(context.Background(), alice)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("follow before either side is tracked is a safe no-op", func(t *testing.T) {
		alice, bob := uuid.New(), uuid.New()
		g := newTestCore(t, 8, chanLoader(new(int32), nil, nil))

		g.Follow(alice, bob)
		assert.Empty(t, g.Tell(bob, UserMeta{Online: true}))
	})

	t.Run("unfollow after a load removes the watcher", func(t *testing.T) {
		alice, bob := uuid.New(), uuid.New()
		var calls int32
		load := chanLoader(&calls, []FollowRecord{{ID: bob, Username: "Bob"}}, nil)
		g := newTestCore(t, 8, load)

		out, err := g.Followed(context.Background(), alice)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, bob, out[0].ID)

		g.Unfollow(alice, bob)
		assert.Empty(t, g.Tell(bob, UserMeta{Online: true}))
	})

	// The probe window holds MaxStride+1 = 21 slots; filling all 21 with
	// offline users and then resolving one more forces a reclamation
	// instead of failing.
	t.Run("offline reclamation makes room for a newcomer", func(t *testing.T) {
		g := newTestCore(t, 6, chanLoader(new(int32), nil, nil))
		home := uint32(3)

		seen := map[UserID]bool{}
		occupants := make([]UserID, 0, defaultMaxStride+1)
		for i := 0; i <= defaultMaxStride; i++ {
			id := findUserWithHome(t, g.table, home, seen)
			seen[id] = true
			occupants = append(occupants, id)
			g.Tell(id, UserMeta{Online: false})
		}

		newcomer := findUserWithHome(t, g.table, home, seen)
		watchers := g.Tell(newcomer, UserMeta{Online: true})
		assert.Empty(t, watchers)

		// The newcomer is now tracked under its own identity.
		found := false
		for i := uint32(0); i <= defaultMaxStride; i++ {
			s := (home + i) & g.table.mask
			if g.table.entries[s].occupied && g.table.entries[s].id == newcomer {
				found = true
				break
			}
		}
		assert.True(t, found, "newcomer should occupy a slot in its probe window")

		// Exactly one of the original offline occupants must have been evicted.
		remaining := 0
		for _, id := range occupants {
			for i := uint32(0); i <= defaultMaxStride; i++ {
				s := (home + i) & g.table.mask
				if g.table.entries[s].occupied && g.table.entries[s].id == id {
					remaining++
					break
				}
			}
		}
		assert.Equal(t, len(occupants)-1, remaining)
	})

	// When the whole probe window is online strangers, resolving one more
	// overwrites the home slot and severs the displaced user's outgoing
	// edges.
	t.Run("saturation overwrite severs the displaced user's edges", func(t *testing.T) {
		g := newTestCore(t, 6, chanLoader(new(int32), nil, nil))
		home := uint32(10)

		seen := map[UserID]bool{}
		var displaced UserID
		for i := 0; i <= defaultMaxStride; i++ {
			id := findUserWithHome(t, g.table, home, seen)
			seen[id] = true
			g.Tell(id, UserMeta{Online: true})
			if i == 0 {
				displaced = id
			}
		}

		// displaced occupies exactly `home` (it was resolved first, via the
		// lossless pass, at the home slot itself).
		require.True(t, g.table.entries[home].occupied)
		require.Equal(t, displaced, g.table.entries[home].id)

		// Make the displaced user follow another tracked user so we can
		// observe that outgoing edge being severed by the overwrite.
		follower := findUserWithHome(t, g.table, home+1, seen)
		seen[follower] = true
		g.Tell(follower, UserMeta{Online: false})
		g.Follow(displaced, follower)

		newcomer := findUserWithHome(t, g.table, home, seen)
		g.Tell(newcomer, UserMeta{Online: true})

		assert.Equal(t, newcomer, g.table.entries[home].id)
		// The displaced user's outgoing edge to follower is gone.
		assert.Empty(t, g.Tell(follower, UserMeta{Online: false}))
	})
}

func TestFollowUnfollow_NoOpLaw(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	var calls int32
	g := newTestCore(t, 8, chanLoader(&calls, nil, nil))

	// Track both users with no edge between them yet.
	_, err := g.Followed(context.Background(), alice)
	require.NoError(t, err)
	g.Tell(bob, UserMeta{Online: true})

	before := g.Tell(bob, UserMeta{Online: true})
	g.Follow(alice, bob)
	g.Unfollow(alice, bob)
	after := g.Tell(bob, UserMeta{Online: true})

	assert.Equal(t, before, after)
}

func TestTell_LatestMetaWins(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	var calls int32
	g := newTestCore(t, 8, chanLoader(&calls, []FollowRecord{{ID: bob, Username: "Bob"}}, nil))

	_, err := g.Followed(context.Background(), alice)
	require.NoError(t, err)

	g.Tell(bob, UserMeta{Online: true})
	g.Tell(bob, UserMeta{Online: false})

	out, err := g.Followed(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Meta)
	assert.False(t, out[0].Meta.Online)
}

func TestFollowed_LoaderFailureLeavesStateUnchanged(t *testing.T) {
	alice := uuid.New()
	boom := errors.New("backing store unavailable")
	g := newTestCore(t, 8, chanLoader(new(int32), nil, boom))

	out, err := g.Followed(context.Background(), alice)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	// alice's slot was never claimed: a later successful load on the same
	// cache goes back to the loader and still works.
	var calls int32
	g.load = chanLoader(&calls, nil, nil)
	out2, err := g.Followed(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, out2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFollowed_ContextCancelReturnsEarly(t *testing.T) {
	alice := uuid.New()
	release := make(chan struct{})
	load := func(ctx context.Context, id UserID) (<-chan FollowRecord, <-chan error) {
		recCh := make(chan FollowRecord)
		errCh := make(chan error)
		go func() {
			<-release
			close(recCh)
			close(errCh)
		}()
		return recCh, errCh
	}

	g := NewGraphCore(load, CoreConfig{LogCapacity: 8}, DefaultExecutor, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := g.Followed(ctx, alice)
		done <- err
	}()

	cancel()
	err := <-done
	require.Error(t, err)
	close(release)
}
