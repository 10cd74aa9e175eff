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

func TestUserCreate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "users.db")

	out, err := execute(t, "--format", "json", "user", "create", "--db", db, "--email", "owner@example.com", "--name", "Owner")
	require.NoError(t, err)

	var resp struct {
		Data SeededUser `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "owner@example.com", resp.Data.Email)
	require.NotEmpty(t, resp.Data.APIToken)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	u, err := st.UserByToken(context.Background(), resp.Data.APIToken)
	require.NoError(t, err)
	assert.Equal(t, resp.Data.ID, u.ID)
}

func TestUserCreate_Duplicate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "users.db")

	out, err := execute(t, "user", "create", "--db", db, "--email", "dup@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "API token: ")

	_, err = execute(t, "user", "create", "--db", db, "--email", "dup@example.com")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
