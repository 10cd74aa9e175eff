package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/postpulse/internal/post"
)

var testEpoch = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

var errListFailed = errors.New("database is locked")

// fakeSource is an in-memory Source whose contents and failures are
// controlled by the test.
type fakeSource struct {
	mu    sync.Mutex
	posts map[int64]post.Post
	err   error
	calls int
	gate  chan struct{} // when set, ListAll blocks until closed
}

func newFakeSource(posts ...post.Post) *fakeSource {
	f := &fakeSource{posts: make(map[int64]post.Post)}
	for _, p := range posts {
		f.posts[p.ID] = p
	}
	return f
}

func (f *fakeSource) ListAll(ctx context.Context) ([]post.Post, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]post.Post, 0, len(f.posts))
	for _, p := range f.posts {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeSource) put(p post.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[p.ID] = p
}

func (f *fakeSource) remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts, id)
}

func (f *fakeSource) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSink collects changes reported by the detector.
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

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func testPost(id, owner int64, text string) post.Post {
	return post.Post{
		ID:        id,
		UserID:    owner,
		Status:    post.StatusDraft,
		Text:      text,
		Tags:      []string{"promo"},
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
}
