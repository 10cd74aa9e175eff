package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/postpulse/internal/post"
)

// EventType is the value of the "event:" line of a frame.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventPing         EventType = "ping"
	EventPostUpdate   EventType = "post_update"
	EventNotification EventType = "notification"
)

// Event is one pushed message. Data is serialized as JSON.
type Event struct {
	Type EventType
	Data any
}

// Encode renders the event in text event stream framing:
//
//	event: <type>
//	data: <json>
//	<blank line>
//
// encoding/json never emits raw newlines, so data always fits one line.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	frame := make([]byte, 0, len(e.Type)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, string(e.Type)...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// ConnectedData acknowledges a new connection.
type ConnectedData struct {
	ConnectionID string    `json:"connectionId"`
	UserID       int64     `json:"userId"`
	Channels     []string  `json:"channels"`
	Timestamp    time.Time `json:"timestamp"`
}

// PingData is the keep-alive payload.
type PingData struct {
	Timestamp time.Time `json:"timestamp"`
}

// PostUpdateData carries a post change to dashboards.
type PostUpdateData struct {
	Action    post.ChangeKind `json:"action"`
	Source    post.Source     `json:"source"`
	Post      post.Post       `json:"post"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notification is a user-facing message, e.g. a publish result reported by
// the workflow engine.
type Notification struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
	PostID  int64  `json:"postId,omitempty"`
	Status  string `json:"status,omitempty"`
}

// NotificationData is the notification payload on the wire.
type NotificationData struct {
	Notification
	Timestamp time.Time `json:"timestamp"`
}

// PostUpdateEvent builds the post_update event for a change.
func PostUpdateEvent(change post.Change) Event {
	return Event{
		Type: EventPostUpdate,
		Data: PostUpdateData{
			Action:    change.Kind,
			Source:    change.Source,
			Post:      change.Post,
			Timestamp: change.At.UTC(),
		},
	}
}
