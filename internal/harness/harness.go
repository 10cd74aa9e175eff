package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/roach88/postpulse/internal/broadcast"
	"github.com/roach88/postpulse/internal/detector"
	"github.com/roach88/postpulse/internal/store"
	"github.com/roach88/postpulse/internal/testutil"
)

// Epoch is the clock reading at the start of every scenario.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// storeTimeLayout matches the store's timestamp columns.
const storeTimeLayout = "2006-01-02T15:04:05.000000000Z"

// rawColumns are the posts columns raw_update may set.
var rawColumns = map[string]bool{
	"status":         true,
	"text":           true,
	"post_date":      true,
	"image_url":      true,
	"link_url":       true,
	"call_to_action": true,
	"post_type":      true,
	"tags":           true,
	"notion_page_id": true,
}

// Harness holds the components under test for one scenario run.
type Harness struct {
	store       *store.Store
	detector    *detector.Detector
	broadcaster *broadcast.Broadcaster
	clock       *testclock.Clock

	users map[string]int64
	subs  map[string]*broadcast.Subscription
}

// Run executes a scenario in a fresh database and returns the result.
// A returned error means the scenario could not be set up; step and
// assertion failures are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "postpulse-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testclock.NewClock(Epoch)

	st, err := store.Open(filepath.Join(dir, "scenario.db"), store.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer st.Close()

	b := broadcast.New(st,
		broadcast.WithClock(clk),
		broadcast.WithLogger(logger),
		broadcast.WithIDGenerator(testutil.NewSequentialIDGenerator("conn")),
		broadcast.WithKeepAlive(0),
	)
	defer b.Close()
	st.SetSink(b)

	h := &Harness{
		store:       st,
		broadcaster: b,
		clock:       clk,
		detector: detector.New(st, b,
			detector.WithClock(clk),
			detector.WithLogger(logger),
			detector.WithDeletionEvents(scenario.EmitDeletes),
		),
		users: make(map[string]int64, len(scenario.Users)),
		subs:  make(map[string]*broadcast.Subscription, len(scenario.Subscribers)),
	}

	result := NewResult()
	if err := h.setup(ctx, scenario, result); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}

	for i, step := range scenario.Steps {
		detail, err := h.execute(ctx, step)
		switch {
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got success", i, step.Action, step.ExpectError))
		case step.ExpectError != "" && errorKind(err) != step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected %s error, got %v", i, step.Action, step.ExpectError, err))
		case step.ExpectError != "":
			detail = "rejected: " + step.ExpectError
		case err != nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Action, err))
			detail = "error"
		}
		result.addTrace(i, step.Action, detail)
	}

	result.Tracked = h.detector.Stats().TrackedRecordCount
	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, st) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario, result *Result) error {
	for _, u := range scenario.Users {
		created, err := h.store.CreateUser(ctx, u.Email, u.Name)
		if err != nil {
			return err
		}
		h.users[u.Email] = created.ID
	}

	for _, s := range scenario.Subscribers {
		tr := testutil.NewRecordingTransport()
		sub, err := h.broadcaster.Register(ctx, h.users[s.User], tr)
		if err != nil {
			return fmt.Errorf("connect %s: %w", s.Name, err)
		}
		h.subs[s.Name] = sub
		result.subscribers = append(result.subscribers, s.Name)
		result.transports[s.Name] = tr
	}
	return nil
}

// execute runs one step and returns a short description for the trace.
func (h *Harness) execute(ctx context.Context, step Step) (string, error) {
	switch step.Action {
	case ActionCreate:
		p := *step.Fields
		p.ID = 0
		p.UserID = h.users[step.User]
		created, err := h.store.CreatePost(ctx, p)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("post %d", created.ID), nil

	case ActionUpdate:
		p := *step.Fields
		p.ID = step.Post
		if _, err := h.store.UpdatePost(ctx, h.users[step.User], p); err != nil {
			return "", err
		}
		return fmt.Sprintf("post %d", step.Post), nil

	case ActionDelete:
		if err := h.store.DeletePost(ctx, h.users[step.User], step.Post); err != nil {
			return "", err
		}
		return fmt.Sprintf("post %d", step.Post), nil

	case ActionSetStatus:
		if _, err := h.store.SetPostStatus(ctx, h.users[step.User], step.Post, step.Status); err != nil {
			return "", err
		}
		return fmt.Sprintf("post %d %s", step.Post, step.Status), nil

	case ActionRawUpdate:
		return h.rawUpdate(ctx, step)

	case ActionRawDelete:
		res, err := h.store.DB().ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, step.Post)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", store.ErrNotFound
		}
		return fmt.Sprintf("post %d", step.Post), nil

	case ActionScan:
		r, err := h.detector.Scan(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("seen=%d observed=%d updated=%d removed=%d", r.Seen, r.Observed, r.Updated, r.Removed), nil

	case ActionAdvance:
		h.clock.Advance(step.Duration)
		return step.Duration.String(), nil

	case ActionSubscribe:
		sub := h.subs[step.Subscriber]
		ch, err := h.broadcaster.Subscribe(ctx, sub.UserID, sub.ID, step.Channel)
		if err != nil {
			return "", err
		}
		return ch.String(), nil

	case ActionUnsubscribe:
		sub := h.subs[step.Subscriber]
		ch, err := h.broadcaster.Unsubscribe(sub.UserID, sub.ID, step.Channel)
		if err != nil {
			return "", err
		}
		return ch.String(), nil

	case ActionDisconnect:
		sub := h.subs[step.Subscriber]
		if !h.broadcaster.Unregister(sub.ID) {
			return "", broadcast.ErrUnknownConnection
		}
		return sub.ID, nil

	case ActionNotify:
		n := h.broadcaster.Notify(ctx, h.users[step.User], broadcast.Notification{
			Kind:    "message",
			Message: step.Message,
			PostID:  step.Post,
		})
		return fmt.Sprintf("delivered=%d", n), nil
	}
	return "", fmt.Errorf("unknown action %q", step.Action)
}

// rawUpdate writes straight to the posts table so no hook fires.
func (h *Harness) rawUpdate(ctx context.Context, step Step) (string, error) {
	cols := make([]string, 0, len(step.Set))
	for col := range step.Set {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	clauses := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		if !rawColumns[col] {
			return "", fmt.Errorf("column %q cannot be set", col)
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, step.Set[col])
	}
	if step.Touch {
		clauses = append(clauses, "updated_at = ?")
		args = append(args, h.clock.Now().UTC().Format(storeTimeLayout))
	}
	args = append(args, step.Post)

	res, err := h.store.DB().ExecContext(ctx,
		`UPDATE posts SET `+strings.Join(clauses, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", store.ErrNotFound
	}
	return fmt.Sprintf("post %d %s", step.Post, strings.Join(cols, ",")), nil
}

// errorKind maps an error to the names used by expect_error.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, broadcast.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, broadcast.ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, broadcast.ErrInvalidChannel):
		return "invalid_channel"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrInvalidPost):
		return "invalid_post"
	default:
		return "error"
	}
}
