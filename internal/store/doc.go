// Package store provides SQLite-backed storage for users and GMB posts.
//
// The store is the write path for the dashboard and the read path for the
// change detector:
//   - Users: owners of posts, authenticated by API token
//   - Posts: the records tracked for live updates
//
// # Change Hooks
//
// Every successful create, update, and delete invokes the configured
// post.Sink synchronously after commit with Source=hook. Writes made through
// DB() bypass the hooks; the change detector's polling scan catches those.
//
// # Ownership
//
// Mutations take the acting user's id and match on user_id in the same
// statement. A post owned by someone else is reported as ErrNotFound so
// callers never learn that it exists.
//
// # Deterministic Ordering
//
// ListAll orders by updated_at DESC, id DESC. Timestamps are stored as
// fixed-width UTC text so lexical order equals time order.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
