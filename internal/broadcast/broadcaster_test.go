package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/postpulse/internal/post"
	"github.com/roach88/postpulse/internal/testutil"
)

var errGone = errors.New("broken pipe")

// fakeOwners maps post ids to owners and records lookups.
type fakeOwners struct {
	mu      sync.Mutex
	owners  map[int64]int64
	lookups []int64
}

func newFakeOwners(owners map[int64]int64) *fakeOwners {
	return &fakeOwners{owners: owners}
}

func (f *fakeOwners) PostOwner(_ context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, id)
	owner, ok := f.owners[id]
	if !ok {
		return 0, errors.New("not found")
	}
	return owner, nil
}

func (f *fakeOwners) calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.lookups...)
}

func newTestBroadcaster(t *testing.T, owners OwnershipChecker, opts ...Option) (*Broadcaster, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(testEpoch)
	base := []Option{
		WithClock(clk),
		WithIDGenerator(testutil.NewSequentialIDGenerator("conn")),
		WithKeepAlive(0),
	}
	b := New(owners, append(base, opts...)...)
	t.Cleanup(b.Close)
	return b, clk
}

func register(t *testing.T, b *Broadcaster, userID int64) (*Subscription, *testutil.RecordingTransport) {
	t.Helper()
	tr := testutil.NewRecordingTransport()
	sub, err := b.Register(context.Background(), userID, tr)
	require.NoError(t, err)
	return sub, tr
}

func TestAuthorize(t *testing.T) {
	owners := newFakeOwners(map[int64]int64{42: 5, 43: 6})
	b, _ := newTestBroadcaster(t, owners)
	ctx := context.Background()

	assert.True(t, b.Authorize(ctx, 5, UserChannel(5)))
	assert.False(t, b.Authorize(ctx, 5, UserChannel(6)))
	assert.True(t, b.Authorize(ctx, 5, NotificationChannel(5)))
	assert.False(t, b.Authorize(ctx, 5, NotificationChannel(6)))
	assert.Empty(t, owners.calls(), "user channels never consult storage")

	assert.True(t, b.Authorize(ctx, 5, PostChannel(42)))
	assert.False(t, b.Authorize(ctx, 5, PostChannel(43)))
	assert.False(t, b.Authorize(ctx, 5, PostChannel(404)))
	assert.Equal(t, []int64{42, 43, 404}, owners.calls())

	assert.False(t, b.Authorize(ctx, 0, UserChannel(0)))
}

func TestCanAccessChannel(t *testing.T) {
	b, _ := newTestBroadcaster(t, newFakeOwners(map[int64]int64{42: 5}))
	ctx := context.Background()

	assert.True(t, b.CanAccessChannel(ctx, 5, "gmb-posts/user/5"))
	assert.False(t, b.CanAccessChannel(ctx, 5, "gmb-posts/user/6"))
	assert.True(t, b.CanAccessChannel(ctx, 5, "gmb-posts/post/42"))
	assert.False(t, b.CanAccessChannel(ctx, 5, "gmb-posts/user/5/"))
}

func TestAuthorize_SeveralOwnershipCheckers(t *testing.T) {
	first := newFakeOwners(map[int64]int64{1: 5})
	second := newFakeOwners(map[int64]int64{1: 6, 2: 6})
	b, _ := newTestBroadcaster(t, first, WithOwners(second))
	ctx := context.Background()

	assert.True(t, b.Authorize(ctx, 5, PostChannel(1)))
	assert.True(t, b.Authorize(ctx, 6, PostChannel(1)))
	assert.True(t, b.Authorize(ctx, 6, PostChannel(2)), "a miss in the first checker falls through")
	assert.False(t, b.Authorize(ctx, 5, PostChannel(2)))
	assert.False(t, b.Authorize(ctx, 7, PostChannel(3)))
}

func TestAuthorize_NoOwnershipChecker(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	assert.False(t, b.Authorize(context.Background(), 5, PostChannel(42)))
}

func TestRegister_MissingIdentity(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	tr := testutil.NewRecordingTransport()

	_, err := b.Register(context.Background(), 0, tr)
	assert.ErrorIs(t, err, ErrMissingIdentity)
	assert.Zero(t, tr.Count())
	assert.Zero(t, b.Stats().TotalConnections)
}

func TestRegister_SendsConnectedAndSubscribesDefaults(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	sub, tr := register(t, b, 5)

	assert.Equal(t, "conn-1", sub.ID)
	assert.Equal(t, StateOpen, sub.State())

	g := newGoldie(t)
	g.Assert(t, "connected", tr.Bytes())

	names, err := b.Channels(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gmb-posts/user/5", "notifications/user/5"}, names)
}

func TestRegister_ConnectedWriteFailure(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	tr := testutil.NewRecordingTransport()
	tr.FailWith(errGone)

	_, err := b.Register(context.Background(), 5, tr)
	require.ErrorIs(t, err, errGone)
	assert.Zero(t, b.Stats().TotalConnections)
}

// Three subscriptions on {A}, {A,B}, {B}.
func TestBroadcast_Isolation(t *testing.T) {
	owners := newFakeOwners(map[int64]int64{100: 5, 200: 5})
	b, _ := newTestBroadcaster(t, owners)
	ctx := context.Background()
	a, bb := PostChannel(100), PostChannel(200)

	sub1, tr1 := register(t, b, 5)
	sub2, tr2 := register(t, b, 5)
	sub3, tr3 := register(t, b, 5)
	for _, tr := range []*testutil.RecordingTransport{tr1, tr2, tr3} {
		tr.Reset()
	}

	_, err := b.Subscribe(ctx, 5, sub1.ID, a.String())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, 5, sub2.ID, a.String())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, 5, sub2.ID, bb.String())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, 5, sub3.ID, bb.String())
	require.NoError(t, err)

	ev := Event{Type: EventPing, Data: PingData{Timestamp: testEpoch}}
	assert.Equal(t, 2, b.Broadcast(ctx, a, ev))
	assert.Equal(t, 1, tr1.Count())
	assert.Equal(t, 1, tr2.Count())
	assert.Zero(t, tr3.Count())

	// A failing subscriber is evicted and the other still receives.
	tr1.FailWith(errGone)
	assert.Equal(t, 1, b.Broadcast(ctx, a, ev))
	assert.Equal(t, 2, tr2.Count())

	assert.Equal(t, StateFailed, sub1.State())
	assert.Equal(t, StateOpen, sub2.State())
	assert.Equal(t, StateOpen, sub3.State())
	assert.Equal(t, 2, b.Stats().TotalConnections)

	select {
	case <-sub1.Done():
	default:
		t.Fatal("evicted subscription must be done")
	}

	// Evicted subscription is gone for good.
	tr1.FailWith(nil)
	assert.Equal(t, 1, b.Broadcast(ctx, a, ev))
	assert.Equal(t, 1, tr1.Count())
}

func TestBroadcastMany_OncePerConnection(t *testing.T) {
	owners := newFakeOwners(map[int64]int64{100: 5, 200: 5})
	b, _ := newTestBroadcaster(t, owners)
	ctx := context.Background()

	sub, tr := register(t, b, 5)
	tr.Reset()
	_, err := b.Subscribe(ctx, 5, sub.ID, "gmb-posts/post/100")
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, 5, sub.ID, "gmb-posts/post/200")
	require.NoError(t, err)

	n := b.BroadcastMany(ctx, []Channel{PostChannel(100), PostChannel(200), UserChannel(5)},
		Event{Type: EventPing, Data: PingData{Timestamp: testEpoch}})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tr.Count())
}

func TestBroadcast_NoSubscribers(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	assert.Zero(t, b.Broadcast(context.Background(), UserChannel(5), Event{Type: EventPing, Data: PingData{}}))
}

func TestPostChanged_ReachesOwnerAndPostChannels(t *testing.T) {
	owners := newFakeOwners(map[int64]int64{42: 5})
	b, _ := newTestBroadcaster(t, owners)
	ctx := context.Background()

	_, ownerTr := register(t, b, 5)
	watcher, watcherTr := register(t, b, 5)
	_, otherTr := register(t, b, 6)

	// The watcher only listens to the post channel.
	_, err := b.Unsubscribe(5, watcher.ID, "gmb-posts/user/5")
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, 5, watcher.ID, "gmb-posts/post/42")
	require.NoError(t, err)

	b.PostChanged(ctx, post.Change{
		Kind:   post.ChangeUpdated,
		Source: post.SourceHook,
		At:     testEpoch,
		Post:   post.Post{ID: 42, UserID: 5, Status: post.StatusDraft, Text: "x"},
	})

	assert.Equal(t, []string{"connected", "post_update"}, ownerTr.EventTypes())
	assert.Equal(t, []string{"connected", "post_update"}, watcherTr.EventTypes())
	assert.Equal(t, []string{"connected"}, otherTr.EventTypes())
}

func TestNotify(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	_, tr := register(t, b, 5)
	_, other := register(t, b, 6)
	tr.Reset()

	n := b.Notify(context.Background(), 5, Notification{
		Kind:    "post_status",
		Message: "Post published",
		PostID:  42,
		Status:  post.StatusPublished,
	})
	assert.Equal(t, 1, n)

	g := newGoldie(t)
	g.Assert(t, "notification", tr.Bytes())
	assert.Equal(t, 1, other.Count())
}

func TestSubscribe_Errors(t *testing.T) {
	owners := newFakeOwners(map[int64]int64{42: 6})
	b, _ := newTestBroadcaster(t, owners)
	ctx := context.Background()
	sub, _ := register(t, b, 5)

	_, err := b.Subscribe(ctx, 5, sub.ID, "gmb-posts/user/6")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = b.Subscribe(ctx, 5, sub.ID, "gmb-posts/post/42")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = b.Subscribe(ctx, 5, sub.ID, "nonsense")
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = b.Subscribe(ctx, 5, "conn-404", "gmb-posts/user/5")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	_, err = b.Unsubscribe(5, "conn-404", "gmb-posts/user/5")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	// Another user cannot touch this connection.
	_, err = b.Subscribe(ctx, 6, sub.ID, "gmb-posts/user/6")
	assert.ErrorIs(t, err, ErrUnknownConnection)
	_, err = b.Unsubscribe(6, sub.ID, "gmb-posts/user/5")
	assert.ErrorIs(t, err, ErrUnknownConnection)

	names, err := b.Channels(sub.ID)
	require.NoError(t, err)
	assert.Len(t, names, 2, "denied subscriptions leave the channel set unchanged")
}

func TestUnregister(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	sub, tr := register(t, b, 5)

	assert.True(t, b.Unregister(sub.ID))
	assert.False(t, b.Unregister(sub.ID))
	assert.Equal(t, StateClosed, sub.State())

	assert.Zero(t, b.Broadcast(context.Background(), UserChannel(5), Event{Type: EventPing, Data: PingData{}}))
	assert.Equal(t, 1, tr.Count())
}

func TestKeepAlive_PingsAndRearms(t *testing.T) {
	b, clk := newTestBroadcaster(t, nil, WithKeepAlive(30*time.Second))
	sub, tr := register(t, b, 5)

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return tr.Count() == 2 }, time.Second, time.Millisecond)

	frames := tr.Frames()
	g := newGoldie(t)
	g.Assert(t, "ping", []byte(frames[1]))

	require.NoError(t, clk.WaitAdvance(30*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return tr.Count() == 3 }, time.Second, time.Millisecond)

	require.True(t, b.Unregister(sub.ID))
	clk.Advance(time.Minute)
	assert.Equal(t, 3, tr.Count(), "no pings after unregister")
}

func TestKeepAlive_WriteFailureEvicts(t *testing.T) {
	b, clk := newTestBroadcaster(t, nil, WithKeepAlive(time.Second))
	sub, tr := register(t, b, 5)

	tr.FailWith(errGone)
	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))

	require.Eventually(t, func() bool {
		return sub.State() == StateFailed
	}, time.Second, time.Millisecond)
	assert.Zero(t, b.Stats().TotalConnections)
}

func TestKeepAlive_UnknownConnectionIsNoop(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil, WithKeepAlive(time.Second))
	assert.NotPanics(t, func() { b.ping("conn-404") })
}

func TestStats(t *testing.T) {
	owners := newFakeOwners(map[int64]int64{42: 5})
	b, _ := newTestBroadcaster(t, owners)

	sub, _ := register(t, b, 5)
	register(t, b, 5)
	register(t, b, 6)
	_, err := b.Subscribe(context.Background(), 5, sub.ID, "gmb-posts/post/42")
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, map[int64]int{5: 2, 6: 1}, stats.ConnectionsByOwner)
	assert.Equal(t, map[string]int{
		"gmb-posts/user/5":     2,
		"notifications/user/5": 2,
		"gmb-posts/user/6":     1,
		"notifications/user/6": 1,
		"gmb-posts/post/42":    1,
	}, stats.Channels)
	assert.Equal(t, "event-broadcaster", b.ComponentType())
	assert.Equal(t, stats, b.State())
}

func TestClose(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil, WithKeepAlive(time.Second))
	sub, _ := register(t, b, 5)

	b.Close()
	assert.Equal(t, StateClosed, sub.State())
	assert.Zero(t, b.Stats().TotalConnections)

	_, err := b.Register(context.Background(), 5, testutil.NewRecordingTransport())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentBroadcastAndRegister(t *testing.T) {
	b, _ := newTestBroadcaster(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr := testutil.NewRecordingTransport()
			sub, err := b.Register(ctx, 5, tr)
			if assert.NoError(t, err) && i%2 == 0 {
				b.Unregister(sub.ID)
			}
		}()
		go func() {
			defer wg.Done()
			b.Broadcast(ctx, UserChannel(5), Event{Type: EventPing, Data: PingData{}})
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, b.Stats().TotalConnections)
}
