package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/postpulse/internal/store"
)

const usersFixture = `
users:
  - email: owner@example.com
    name: Owner
  - email: other@example.com
    name: Other
`

const postsFixture = `
posts:
  - owner: owner@example.com
    status: scheduled
    text: Grand opening this Saturday
    post_date: "2026-11-01"
    call_to_action: LEARN_MORE
    tags: [promo, opening]
  - owner: other@example.com
    text: Holiday hours
`

func TestSeed_GlobAcrossDirectories(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "seed.db")
	writeFile(t, filepath.Join(dir, "fixtures", "a_users.yaml"), usersFixture)
	writeFile(t, filepath.Join(dir, "fixtures", "nested", "b_posts.yaml"), postsFixture)
	writeFile(t, filepath.Join(dir, "fixtures", "README.md"), "not a fixture")

	out, err := execute(t, "--format", "json", "seed", "--db", db, filepath.Join(dir, "fixtures", "**", "*.yaml"))
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   SeedResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Data.Files, 2)
	assert.Equal(t, 2, resp.Data.Posts)
	require.Len(t, resp.Data.Users, 2)
	assert.True(t, resp.Data.Users[0].Created)
	assert.NotEmpty(t, resp.Data.Users[0].APIToken)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	posts, err := st.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, posts, 2)

	owner, err := st.UserByEmail(context.Background(), "owner@example.com")
	require.NoError(t, err)
	page, err := st.ListPostsByOwner(context.Background(), owner.ID, store.Page{})
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal(t, "Grand opening this Saturday", page.Posts[0].Text)
	assert.Equal(t, []string{"promo", "opening"}, page.Posts[0].Tags)
	assert.Equal(t, "scheduled", page.Posts[0].Status)
}

func TestSeed_ReusesExistingUsers(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "seed.db")
	fixture := filepath.Join(dir, "users.yaml")
	writeFile(t, fixture, usersFixture)

	_, err := execute(t, "seed", "--db", db, fixture)
	require.NoError(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	result, err := SeedFiles(context.Background(), st, []string{fixture})
	require.NoError(t, err)
	require.Len(t, result.Users, 2)
	assert.False(t, result.Users[0].Created)
	assert.False(t, result.Users[1].Created)
}

func TestSeed_UnknownOwner(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "posts.yaml")
	writeFile(t, fixture, postsFixture)

	_, err := execute(t, "seed", "--db", filepath.Join(dir, "seed.db"), fixture)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestSeed_NoMatches(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "seed", "--db", filepath.Join(dir, "seed.db"), filepath.Join(dir, "*.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeFixture)
}

func TestSeed_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "bad.yaml")
	writeFile(t, fixture, "users: [unterminated")

	_, err := execute(t, "seed", "--db", filepath.Join(dir, "seed.db"), fixture)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed failed")
}

func TestExpandGlobs_Dedupes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "")

	files, err := expandGlobs([]string{filepath.Join(dir, "*.yaml"), filepath.Join(dir, "a.yaml")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yaml")}, files)

	_, err = expandGlobs([]string{"[unclosed"})
	assert.Error(t, err)
}
