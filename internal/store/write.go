package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/postpulse/internal/post"
)

// CreateUser inserts a user with a freshly generated API token.
func (s *Store) CreateUser(ctx context.Context, email, name string) (post.User, error) {
	if email == "" {
		return post.User{}, fmt.Errorf("create user: email is required")
	}

	u := post.User{
		Email:     email,
		Name:      name,
		APIToken:  uuid.NewString(),
		CreatedAt: s.now(),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, name, api_token, created_at)
		VALUES (?, ?, ?, ?)
	`, u.Email, u.Name, u.APIToken, formatTime(u.CreatedAt))
	if err != nil {
		return post.User{}, fmt.Errorf("create user: %w", err)
	}

	u.ID, err = result.LastInsertId()
	if err != nil {
		return post.User{}, fmt.Errorf("create user: last insert id: %w", err)
	}
	return u, nil
}

// CreatePost inserts a post owned by p.UserID and reports a created change.
// An empty status defaults to draft.
func (s *Store) CreatePost(ctx context.Context, p post.Post) (post.Post, error) {
	if p.Status == "" {
		p.Status = post.StatusDraft
	}
	if err := validatePost(p); err != nil {
		return post.Post{}, fmt.Errorf("create post: %w", err)
	}

	tagsJSON, err := marshalTags(p.Tags)
	if err != nil {
		return post.Post{}, fmt.Errorf("create post: %w", err)
	}

	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO posts
		(user_id, status, text, post_date, image_url, link_url, call_to_action,
		 post_type, tags, notion_page_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.UserID,
		p.Status,
		p.Text,
		nullString(p.PostDate),
		nullString(p.ImageURL),
		nullString(p.LinkURL),
		nullString(p.CallToAction),
		nullString(p.PostType),
		tagsJSON,
		nullString(p.NotionPageID),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return post.Post{}, fmt.Errorf("create post: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return post.Post{}, fmt.Errorf("create post: last insert id: %w", err)
	}

	created, err := s.ReadPost(ctx, id)
	if err != nil {
		return post.Post{}, fmt.Errorf("create post: %w", err)
	}

	s.notify(ctx, post.ChangeCreated, created)
	return created, nil
}

// UpdatePost replaces the content fields of a post owned by ownerID and
// reports an updated change. Ownership cannot be transferred.
//
// Returns ErrNotFound if the post does not exist or belongs to another user.
func (s *Store) UpdatePost(ctx context.Context, ownerID int64, p post.Post) (post.Post, error) {
	p.UserID = ownerID
	if p.Status == "" {
		p.Status = post.StatusDraft
	}
	if err := validatePost(p); err != nil {
		return post.Post{}, fmt.Errorf("update post: %w", err)
	}

	tagsJSON, err := marshalTags(p.Tags)
	if err != nil {
		return post.Post{}, fmt.Errorf("update post: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE posts SET
			status = ?, text = ?, post_date = ?, image_url = ?, link_url = ?,
			call_to_action = ?, post_type = ?, tags = ?, notion_page_id = ?,
			updated_at = ?
		WHERE id = ? AND user_id = ?
	`,
		p.Status,
		p.Text,
		nullString(p.PostDate),
		nullString(p.ImageURL),
		nullString(p.LinkURL),
		nullString(p.CallToAction),
		nullString(p.PostType),
		tagsJSON,
		nullString(p.NotionPageID),
		formatTime(s.now()),
		p.ID,
		ownerID,
	)
	if err != nil {
		return post.Post{}, fmt.Errorf("update post: %w", err)
	}

	if err := requireOneRow(result); err != nil {
		return post.Post{}, fmt.Errorf("update post %d: %w", p.ID, err)
	}

	updated, err := s.ReadPost(ctx, p.ID)
	if err != nil {
		return post.Post{}, fmt.Errorf("update post: %w", err)
	}

	s.notify(ctx, post.ChangeUpdated, updated)
	return updated, nil
}

// SetPostStatus changes only the status of a post owned by ownerID.
// Used by the publishing workflow callback.
func (s *Store) SetPostStatus(ctx context.Context, ownerID, id int64, status string) (post.Post, error) {
	if !post.IsValidStatus(status) {
		return post.Post{}, fmt.Errorf("set post status: %w: unknown status %q", ErrInvalidPost, status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, status, formatTime(s.now()), id, ownerID)
	if err != nil {
		return post.Post{}, fmt.Errorf("set post status: %w", err)
	}

	if err := requireOneRow(result); err != nil {
		return post.Post{}, fmt.Errorf("set post status %d: %w", id, err)
	}

	updated, err := s.ReadPost(ctx, id)
	if err != nil {
		return post.Post{}, fmt.Errorf("set post status: %w", err)
	}

	s.notify(ctx, post.ChangeUpdated, updated)
	return updated, nil
}

// DeletePost removes a post owned by ownerID and reports a deleted change
// carrying the last stored payload.
//
// Returns ErrNotFound if the post does not exist or belongs to another user.
func (s *Store) DeletePost(ctx context.Context, ownerID, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete post: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	row := tx.QueryRowContext(ctx, selectPostSQL+` WHERE id = ? AND user_id = ?`, id, ownerID)
	existing, err := scanPost(row)
	if err != nil {
		return fmt.Errorf("delete post %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ? AND user_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("delete post %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete post %d: commit: %w", id, err)
	}

	s.notify(ctx, post.ChangeDeleted, existing)
	return nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireOneRow(result rowsAffecter) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func validatePost(p post.Post) error {
	if p.UserID <= 0 {
		return fmt.Errorf("%w: owner is required", ErrInvalidPost)
	}
	if !post.IsValidStatus(p.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPost, p.Status)
	}
	return nil
}
