package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/introspection"
	"github.com/juju/clock"

	"github.com/roach88/postpulse/internal/metrics"
	"github.com/roach88/postpulse/internal/post"
)

// DefaultKeepAlive is the ping period used when none is configured.
const DefaultKeepAlive = 30 * time.Second

var (
	// ErrMissingIdentity rejects a registration without a user.
	ErrMissingIdentity = errors.New("missing identity")

	// ErrUnauthorized is returned when a user may not join a channel.
	// Callers surface it without detail.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownConnection is returned for ids not in the registry.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("broadcaster closed")

	errNotLive = errors.New("subscription not live")
)

// OwnershipChecker resolves the owner of a post for post channel
// authorization. Implemented by store.Store and pgstore.Source.
//
// A broadcaster may consult several checkers when posts live in more than
// one id space; post changes are then delivered only to their owner, so a
// shared channel name never leaks another user's record.
type OwnershipChecker interface {
	PostOwner(ctx context.Context, postID int64) (int64, error)
}

// Broadcaster is the in-memory event fan-out.
//
// Delivery is best-effort and at-most-once per open connection: there is no
// queue, retry, or replay. A failed write evicts only the subscription that
// failed.
//
// Thread-safety: all methods are safe for concurrent use. The registry and
// channel sets are guarded by mu; transport writes happen outside mu.
type Broadcaster struct {
	owners    []OwnershipChecker
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	ids       IDGenerator
	keepAlive time.Duration

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithClock sets the clock for keep-alive timers and event timestamps.
func WithClock(clk clock.Clock) Option {
	return func(b *Broadcaster) {
		b.clock = clk
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithMetrics records connections and deliveries on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// WithOwners adds ownership checkers consulted after the one given to New.
func WithOwners(checkers ...OwnershipChecker) Option {
	return func(b *Broadcaster) {
		for _, c := range checkers {
			if c != nil {
				b.owners = append(b.owners, c)
			}
		}
	}
}

// WithIDGenerator sets the connection id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(b *Broadcaster) {
		b.ids = gen
	}
}

// WithKeepAlive sets the ping period. Zero or negative disables pings.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broadcaster) {
		b.keepAlive = d
	}
}

// New creates a Broadcaster that authorizes post channels through owners.
func New(owners OwnershipChecker, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clock:     clock.WallClock,
		logger:    slog.Default(),
		ids:       UUIDv7Generator{},
		keepAlive: DefaultKeepAlive,
		subs:      make(map[string]*Subscription),
	}
	if owners != nil {
		b.owners = append(b.owners, owners)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a subscription for userID writing to transport,
// subscribes it to the user's post and notification channels, and sends the
// connected event.
//
// No subscription exists if Register returns an error.
func (b *Broadcaster) Register(ctx context.Context, userID int64, transport Transport) (*Subscription, error) {
	if userID <= 0 {
		return nil, ErrMissingIdentity
	}
	if transport == nil {
		return nil, fmt.Errorf("register connection: nil transport")
	}

	sub := newSubscription(b.ids.Generate(), userID, transport, b.clock.Now())
	sub.channels[UserChannel(userID)] = struct{}{}
	sub.channels[NotificationChannel(userID)] = struct{}{}

	// Hold the write lock across registration so no broadcast frame can
	// overtake the connected event.
	sub.writeMu.Lock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.writeMu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.ID] = sub
	channels := sub.channelNames()
	count := len(b.subs)
	b.mu.Unlock()

	frame, err := Event{
		Type: EventConnected,
		Data: ConnectedData{
			ConnectionID: sub.ID,
			UserID:       userID,
			Channels:     channels,
			Timestamp:    sub.ConnectedAt.UTC(),
		},
	}.Encode()
	if err == nil {
		err = transport.WriteEvent(frame)
	}
	if err != nil {
		sub.writeMu.Unlock()
		b.remove(sub, StateFailed)
		return nil, fmt.Errorf("send connected event: %w", err)
	}

	sub.open()
	sub.writeMu.Unlock()

	b.armKeepAlive(sub)
	b.metrics.SetConnections(count)
	b.metrics.ObserveDelivery(string(EventConnected), metrics.DeliveryOK)
	b.logger.Info("connection registered",
		"connection_id", sub.ID,
		"user_id", userID,
		"connections", count,
	)
	return sub, nil
}

// Unregister removes a connection after a clean close. Returns false if the
// id is not registered.
func (b *Broadcaster) Unregister(connID string) bool {
	b.mu.Lock()
	sub, ok := b.subs[connID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	if !b.remove(sub, StateClosed) {
		return false
	}
	b.logger.Info("connection unregistered", "connection_id", connID, "user_id", sub.UserID)
	return true
}

// remove deletes sub from the registry and moves it to final. Returns false
// if sub was already gone.
func (b *Broadcaster) remove(sub *Subscription, final State) bool {
	b.mu.Lock()
	current, ok := b.subs[sub.ID]
	if ok && current == sub {
		delete(b.subs, sub.ID)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if !ok || current != sub {
		return false
	}
	sub.finish(final)
	b.metrics.SetConnections(count)
	return true
}

// evict drops a subscription whose transport failed.
func (b *Broadcaster) evict(sub *Subscription, cause error) {
	if b.remove(sub, StateFailed) {
		b.logger.Warn("evicting connection after write failure",
			"connection_id", sub.ID,
			"user_id", sub.UserID,
			"error", cause,
		)
	}
}

// Authorize reports whether userID may receive events on ch.
//
// User and notification channels require the id to match. Post channels
// require some ownership checker to name userID as the owner. Lookup
// failures deny.
func (b *Broadcaster) Authorize(ctx context.Context, userID int64, ch Channel) bool {
	if userID <= 0 {
		return false
	}
	switch ch.Scope {
	case ScopeUser:
		return ch.ID == userID
	case ScopePost:
		for _, checker := range b.owners {
			owner, err := checker.PostOwner(ctx, ch.ID)
			if err != nil {
				b.logger.Debug("post channel ownership lookup failed", "post_id", ch.ID, "error", err)
				continue
			}
			if owner == userID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// CanAccessChannel parses name and authorizes it. Malformed names deny.
func (b *Broadcaster) CanAccessChannel(ctx context.Context, userID int64, name string) bool {
	ch, err := ParseChannel(name)
	if err != nil {
		return false
	}
	return b.Authorize(ctx, userID, ch)
}

// Subscribe adds an authorized channel to a connection owned by userID.
// A connection owned by someone else is reported as ErrUnknownConnection.
func (b *Broadcaster) Subscribe(ctx context.Context, userID int64, connID, name string) (Channel, error) {
	ch, err := ParseChannel(name)
	if err != nil {
		return Channel{}, err
	}

	sub, err := b.owned(userID, connID)
	if err != nil {
		return Channel{}, err
	}

	// Ownership lookups hit storage; do them outside mu.
	if !b.Authorize(ctx, userID, ch) {
		return Channel{}, ErrUnauthorized
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[connID] != sub {
		return Channel{}, ErrUnknownConnection
	}
	sub.channels[ch] = struct{}{}
	return ch, nil
}

// Unsubscribe removes a channel from a connection owned by userID.
// Removing a channel the connection is not on is not an error.
func (b *Broadcaster) Unsubscribe(userID int64, connID, name string) (Channel, error) {
	ch, err := ParseChannel(name)
	if err != nil {
		return Channel{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[connID]
	if !ok || sub.UserID != userID {
		return Channel{}, ErrUnknownConnection
	}
	delete(sub.channels, ch)
	return ch, nil
}

func (b *Broadcaster) owned(userID int64, connID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[connID]
	if !ok || sub.UserID != userID {
		return nil, ErrUnknownConnection
	}
	return sub, nil
}

// Channels returns the sorted channel names of a connection.
func (b *Broadcaster) Channels(connID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return sub.channelNames(), nil
}

// Broadcast delivers ev to every subscription on ch and returns the number
// of successful deliveries.
func (b *Broadcaster) Broadcast(ctx context.Context, ch Channel, ev Event) int {
	return b.BroadcastMany(ctx, []Channel{ch}, ev)
}

// BroadcastMany delivers ev once to every subscription on any of chs.
// A connection on several of the channels still receives one frame.
func (b *Broadcaster) BroadcastMany(ctx context.Context, chs []Channel, ev Event) int {
	return b.deliver(ctx, chs, 0, ev)
}

// deliver writes ev to the subscriptions on chs. A positive owner limits
// delivery to that user's connections.
func (b *Broadcaster) deliver(ctx context.Context, chs []Channel, owner int64, ev Event) int {
	frame, err := ev.Encode()
	if err != nil {
		b.logger.Error("broadcast encode failed", "event", ev.Type, "error", err)
		return 0
	}

	targets := b.subscribers(chs, owner)
	delivered := 0
	for _, sub := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := sub.write(frame); err != nil {
			if errors.Is(err, errNotLive) {
				continue
			}
			b.metrics.ObserveDelivery(string(ev.Type), metrics.DeliveryFailed)
			b.evict(sub, err)
			continue
		}
		b.metrics.ObserveDelivery(string(ev.Type), metrics.DeliveryOK)
		delivered++
	}

	b.logger.Debug("broadcast",
		"channels", channelStrings(chs),
		"event", ev.Type,
		"delivered", delivered,
	)
	return delivered
}

// subscribers returns the subscriptions on any of chs, deduplicated.
// A positive owner skips other users' subscriptions.
func (b *Broadcaster) subscribers(chs []Channel, owner int64) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Subscription
	for _, sub := range b.subs {
		if owner > 0 && sub.UserID != owner {
			continue
		}
		for _, ch := range chs {
			if _, ok := sub.channels[ch]; ok {
				out = append(out, sub)
				break
			}
		}
	}
	return out
}

// PostChanged implements post.Sink: the change goes to the owner's post
// channel and to the post's own channel, and only to the owner's
// connections on either.
func (b *Broadcaster) PostChanged(ctx context.Context, change post.Change) {
	b.deliver(ctx, []Channel{
		UserChannel(change.Post.UserID),
		PostChannel(change.Post.ID),
	}, change.Post.UserID, PostUpdateEvent(change))
}

// Notify sends a notification event to userID's notification channel.
func (b *Broadcaster) Notify(ctx context.Context, userID int64, n Notification) int {
	return b.Broadcast(ctx, NotificationChannel(userID), Event{
		Type: EventNotification,
		Data: NotificationData{
			Notification: n,
			Timestamp:    b.clock.Now().UTC(),
		},
	})
}

// armKeepAlive schedules the next ping for sub.
func (b *Broadcaster) armKeepAlive(sub *Subscription) {
	if b.keepAlive <= 0 {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.state != StateOpen {
		return
	}
	id := sub.ID
	sub.timer = b.clock.AfterFunc(b.keepAlive, func() {
		b.ping(id)
	})
}

// ping sends a keep-alive. A timer whose connection is no longer registered
// does nothing and is not re-armed.
func (b *Broadcaster) ping(connID string) {
	b.mu.Lock()
	sub, ok := b.subs[connID]
	b.mu.Unlock()
	if !ok {
		return
	}

	frame, err := Event{
		Type: EventPing,
		Data: PingData{Timestamp: b.clock.Now().UTC()},
	}.Encode()
	if err != nil {
		b.logger.Error("encode ping", "error", err)
		return
	}

	if err := sub.write(frame); err != nil {
		if !errors.Is(err, errNotLive) {
			b.metrics.ObserveDelivery(string(EventPing), metrics.DeliveryFailed)
			b.evict(sub, err)
		}
		return
	}
	b.metrics.ObserveDelivery(string(EventPing), metrics.DeliveryOK)
	b.armKeepAlive(sub)
}

// Close unregisters every connection. Later registrations fail with
// ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	clear(b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.finish(StateClosed)
	}
	b.metrics.SetConnections(0)
	if len(subs) > 0 {
		b.logger.Info("broadcaster closed", "connections", len(subs))
	}
}

// Stats is the administrative view of the registry.
type Stats struct {
	TotalConnections   int            `json:"totalConnections"`
	ConnectionsByOwner map[int64]int  `json:"connectionsByOwner"`
	Channels           map[string]int `json:"channels"`
}

// Stats returns subscriber counts per owner and per channel.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TotalConnections:   len(b.subs),
		ConnectionsByOwner: make(map[int64]int),
		Channels:           make(map[string]int),
	}
	for _, sub := range b.subs {
		s.ConnectionsByOwner[sub.UserID]++
		for ch := range sub.channels {
			s.Channels[ch.String()]++
		}
	}
	return s
}

// State implements introspection.Introspectable.
func (b *Broadcaster) State() any {
	return b.Stats()
}

// ComponentType implements introspection.Component.
func (b *Broadcaster) ComponentType() string {
	return "event-broadcaster"
}

var _ introspection.Introspectable = (*Broadcaster)(nil)
var _ introspection.Component = (*Broadcaster)(nil)
var _ post.Sink = (*Broadcaster)(nil)

func channelStrings(chs []Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = ch.String()
	}
	return out
}
