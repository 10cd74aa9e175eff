package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/postpulse/internal/post"
)

var testEpoch = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// recordingSink collects hook changes.
type recordingSink struct {
	mu      sync.Mutex
	changes []post.Change
}

func (r *recordingSink) PostChanged(_ context.Context, c post.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recordingSink) all() []post.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]post.Change(nil), r.changes...)
}

// createTestStore creates a fresh store with a test clock and recording sink.
func createTestStore(t *testing.T) (*Store, *testclock.Clock, *recordingSink) {
	t.Helper()
	clk := testclock.NewClock(testEpoch)
	sink := &recordingSink{}
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk), WithSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk, sink
}

// createTestUser inserts a user and fails the test on error.
func createTestUser(t *testing.T, s *Store, email string) post.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "Test User")
	require.NoError(t, err)
	return u
}

// createTestPost inserts a draft post for owner and fails the test on error.
func createTestPost(t *testing.T, s *Store, owner int64, text string) post.Post {
	t.Helper()
	p, err := s.CreatePost(context.Background(), post.Post{
		UserID: owner,
		Text:   text,
		Tags:   []string{"test"},
	})
	require.NoError(t, err)
	return p
}
