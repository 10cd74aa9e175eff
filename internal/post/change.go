package post

import (
	"context"
	"time"
)

// ChangeKind names the transition a record went through.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Source names the path that observed a change.
//
// Hook changes are reported synchronously by the store after commit. Poll
// changes are inferred by the change detector and catch writes that bypass
// the store. Both paths may report the same transition; consumers must
// tolerate duplicate updates.
type Source string

const (
	SourceHook Source = "hook"
	SourcePoll Source = "poll"
)

// Change is one observed record transition.
type Change struct {
	Kind   ChangeKind
	Post   Post
	Source Source
	At     time.Time
}

// Sink receives record changes. Implementations must not block for long:
// the store calls PostChanged synchronously after each commit.
type Sink interface {
	PostChanged(ctx context.Context, change Change)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, change Change)

// PostChanged calls f.
func (f SinkFunc) PostChanged(ctx context.Context, change Change) {
	f(ctx, change)
}

// Sinks fans a change out to every sink in order.
type Sinks []Sink

// PostChanged forwards change to each non-nil sink.
func (s Sinks) PostChanged(ctx context.Context, change Change) {
	for _, sink := range s {
		if sink != nil {
			sink.PostChanged(ctx, change)
		}
	}
}

// Discard is a Sink that drops every change.
var Discard Sink = SinkFunc(func(context.Context, Change) {})
