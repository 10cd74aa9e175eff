package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Transport is the write side of a long-lived client stream. WriteEvent
// receives a complete frame and must return an error once the remote end
// is gone.
type Transport interface {
	WriteEvent(frame []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(frame []byte) error

// WriteEvent calls f.
func (f TransportFunc) WriteEvent(frame []byte) error {
	return f(frame)
}

// State is the lifecycle state of a Subscription.
//
//	connecting -> open -> closed
//	                   -> failed
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Subscription is one registered connection and the channels it receives.
//
// Locking:
//   - channels is guarded by the owning Broadcaster's mu
//   - state and timer are guarded by mu
//   - writeMu serializes frames to the transport (keep-alive vs broadcast)
type Subscription struct {
	ID          string
	UserID      int64
	ConnectedAt time.Time

	transport Transport
	channels  map[Channel]struct{}

	writeMu sync.Mutex

	mu    sync.Mutex
	state State
	timer clock.Timer
	done  chan struct{}
}

func newSubscription(id string, userID int64, transport Transport, now time.Time) *Subscription {
	return &Subscription{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		transport:   transport,
		channels:    make(map[Channel]struct{}),
		state:       StateConnecting,
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the subscription reaches closed or failed.
// Transports block on it to know when to stop serving.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// live reports whether frames may still be written.
func (s *Subscription) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnecting || s.state == StateOpen
}

func (s *Subscription) open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateOpen
	}
}

// finish moves to a terminal state and cancels the keep-alive timer.
// Only the first call has an effect.
func (s *Subscription) finish(final State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateFailed {
		return false
	}
	s.state = final
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.done)
	return true
}

// write sends one frame. Frames to a finished subscription are dropped
// with errNotLive.
func (s *Subscription) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.live() {
		return errNotLive
	}
	return s.transport.WriteEvent(frame)
}

// channelNames returns the sorted wire names. Caller holds the
// Broadcaster's mu.
func (s *Subscription) channelNames() []string {
	names := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		names = append(names, ch.String())
	}
	sort.Strings(names)
	return names
}
