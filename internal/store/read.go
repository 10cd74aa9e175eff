package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/postpulse/internal/post"
)

const selectPostSQL = `
	SELECT id, user_id, status, text, post_date, image_url, link_url,
	       call_to_action, post_type, tags, notion_page_id, created_at, updated_at
	FROM posts`

// Pagination bounds for dashboard reads.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page selects a slice of a user's posts. Number is 1-based.
type Page struct {
	Number int
	Limit  int
	Status string // optional filter
}

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Limit
}

// PostPage is one page of posts for incremental loading.
// HasMore is true while the posts loaded so far are fewer than Total.
type PostPage struct {
	Posts   []post.Post `json:"posts"`
	Total   int         `json:"total"`
	Page    int         `json:"page"`
	Limit   int         `json:"limit"`
	HasMore bool        `json:"hasMore"`
}

// ListAll returns every post with all watched fields, most recently
// modified first. Returns an empty slice (not nil) if there are no posts.
func (s *Store) ListAll(ctx context.Context) ([]post.Post, error) {
	rows, err := s.db.QueryContext(ctx, selectPostSQL+` ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	return collectPosts(rows)
}

// ReadPost retrieves a single post by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadPost(ctx context.Context, id int64) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, selectPostSQL+` WHERE id = ?`, id)
	p, err := scanPost(row)
	if err != nil {
		return post.Post{}, fmt.Errorf("read post %d: %w", id, err)
	}
	return p, nil
}

// ReadOwnedPost retrieves a post only if ownerID owns it.
func (s *Store) ReadOwnedPost(ctx context.Context, ownerID, id int64) (post.Post, error) {
	row := s.db.QueryRowContext(ctx, selectPostSQL+` WHERE id = ? AND user_id = ?`, id, ownerID)
	p, err := scanPost(row)
	if err != nil {
		return post.Post{}, fmt.Errorf("read post %d: %w", id, err)
	}
	return p, nil
}

// PostOwner returns the owner of a post.
// Returns ErrNotFound if it does not exist.
func (s *Store) PostOwner(ctx context.Context, id int64) (int64, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM posts WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("post owner %d: %w", id, err)
	}
	return owner, nil
}

// ListPostsByOwner returns one page of ownerID's posts, most recent first.
func (s *Store) ListPostsByOwner(ctx context.Context, ownerID int64, page Page) (PostPage, error) {
	page = page.normalize()

	where := ` WHERE user_id = ?`
	args := []any{ownerID}
	if page.Status != "" {
		where += ` AND status = ?`
		args = append(args, page.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`+where, args...).Scan(&total); err != nil {
		return PostPage{}, fmt.Errorf("count posts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		selectPostSQL+where+` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.offset())...,
	)
	if err != nil {
		return PostPage{}, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts, err := collectPosts(rows)
	if err != nil {
		return PostPage{}, err
	}

	loaded := page.offset() + len(posts)
	return PostPage{
		Posts:   posts,
		Total:   total,
		Page:    page.Number,
		Limit:   page.Limit,
		HasMore: loaded < total,
	}, nil
}

// UserByToken resolves an API token to its user.
// Returns ErrNotFound for unknown tokens.
func (s *Store) UserByToken(ctx context.Context, token string) (post.User, error) {
	if token == "" {
		return post.User{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, api_token, created_at FROM users WHERE api_token = ?
	`, token)
	return scanUser(row)
}

// ReadUser retrieves a user by ID.
func (s *Store) ReadUser(ctx context.Context, id int64) (post.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, api_token, created_at FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// UserByEmail retrieves a user by email address.
func (s *Store) UserByEmail(ctx context.Context, email string) (post.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, api_token, created_at FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func collectPosts(rows *sql.Rows) ([]post.Post, error) {
	posts := []post.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func scanPost(row scanner) (post.Post, error) {
	var (
		p                                              post.Post
		postDate, imageURL, linkURL, cta, postType, np sql.NullString
		tags, createdAt, updatedAt                     string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Status, &p.Text,
		&postDate, &imageURL, &linkURL, &cta, &postType,
		&tags, &np, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return post.Post{}, ErrNotFound
	}
	if err != nil {
		return post.Post{}, fmt.Errorf("scan post: %w", err)
	}

	p.PostDate = postDate.String
	p.ImageURL = imageURL.String
	p.LinkURL = linkURL.String
	p.CallToAction = cta.String
	p.PostType = postType.String
	p.NotionPageID = np.String

	if p.Tags, err = unmarshalTags(tags); err != nil {
		return post.Post{}, fmt.Errorf("post %d: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return post.Post{}, fmt.Errorf("post %d: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return post.Post{}, fmt.Errorf("post %d: %w", p.ID, err)
	}
	return p, nil
}

func scanUser(row scanner) (post.User, error) {
	var (
		u         post.User
		createdAt string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.APIToken, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return post.User{}, ErrNotFound
	}
	if err != nil {
		return post.User{}, fmt.Errorf("scan user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return post.User{}, fmt.Errorf("user %d: %w", u.ID, err)
	}
	return u, nil
}
