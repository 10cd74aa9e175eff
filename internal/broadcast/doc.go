// Package broadcast implements the in-memory event broadcaster.
//
// Clients register a Transport and receive text event stream frames on the
// channels they are subscribed to. Registration auto-subscribes the user's
// own post channel and notification channel; other channels are added with
// Subscribe after an ownership check.
//
// Channel grammar:
//
//	gmb-posts/user/<userId>
//	gmb-posts/post/<postId>
//	notifications/user/<userId>
//
// Frame format:
//
//	event: <type>
//	data: <json>
//
// Delivery is fire-and-forget. A subscriber that is not connected at
// broadcast time never sees the event, and a failed write evicts the
// subscription. Reconnection is the transport's job: a reconnecting client
// registers again and gets a new connection id.
package broadcast
