// Package pgstore reads posts from an external Postgres database.
//
// Deployments where the publishing workflow writes posts straight into
// Postgres never pass through the SQLite store's hooks. pgstore gives the
// change detector and channel authorization a read-only view of that table:
//
//	CREATE TABLE posts (
//	    id BIGSERIAL PRIMARY KEY, user_id BIGINT NOT NULL,
//	    status TEXT NOT NULL, text TEXT NOT NULL, post_date DATE,
//	    image_url TEXT, link_url TEXT, call_to_action TEXT, post_type TEXT,
//	    tags JSONB NOT NULL DEFAULT '[]', notion_page_id TEXT,
//	    created_at TIMESTAMPTZ NOT NULL, updated_at TIMESTAMPTZ NOT NULL
//	);
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/postpulse/internal/post"
)

// ErrNotFound is returned when a post does not exist.
var ErrNotFound = errors.New("not found")

const selectPostSQL = `
	SELECT id, user_id, status, text,
	       COALESCE(post_date::text, ''), COALESCE(image_url, ''), COALESCE(link_url, ''),
	       COALESCE(call_to_action, ''), COALESCE(post_type, ''),
	       COALESCE(tags::text, '[]'), COALESCE(notion_page_id, ''),
	       created_at, updated_at
	FROM posts`

// Source is a read-only post source backed by a pgx pool.
type Source struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres. The pool is sized for a background poller,
// not for request traffic.
func Open(ctx context.Context, dsn string) (*Source, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Source{pool: pool}, nil
}

// Close releases the pool.
func (s *Source) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ListAll returns every post, most recently modified first.
func (s *Source) ListAll(ctx context.Context) ([]post.Post, error) {
	rows, err := s.pool.Query(ctx, selectPostSQL+` ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

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

// PostOwner returns the owner of a post.
func (s *Source) PostOwner(ctx context.Context, id int64) (int64, error) {
	var owner int64
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM posts WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("post owner %d: %w", id, err)
	}
	return owner, nil
}

func scanPost(row pgx.Row) (post.Post, error) {
	var (
		p    post.Post
		tags string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Status, &p.Text,
		&p.PostDate, &p.ImageURL, &p.LinkURL, &p.CallToAction, &p.PostType,
		&tags, &p.NotionPageID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return post.Post{}, fmt.Errorf("scan post: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return post.Post{}, fmt.Errorf("post %d: unmarshal tags: %w", p.ID, err)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
