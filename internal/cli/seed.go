package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/postpulse/internal/post"
	"github.com/roach88/postpulse/internal/store"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Database string
}

// Fixture is one seed file.
type Fixture struct {
	Users []FixtureUser `yaml:"users"`
	Posts []FixturePost `yaml:"posts"`
}

// FixtureUser is created unless a user with the same email exists.
type FixtureUser struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// FixturePost is a post owned by the user with email Owner.
type FixturePost struct {
	Owner     string `yaml:"owner"`
	post.Post `yaml:",inline"`
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Files []string     `json:"files"`
	Users []SeededUser `json:"users"`
	Posts int          `json:"posts"`
}

// SeededUser reports a fixture user and its API token.
type SeededUser struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	APIToken string `json:"apiToken"`
	Created  bool   `json:"created"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <glob>...",
		Short: "Load users and posts from YAML fixtures",
		Long: `Load users and posts from YAML fixture files.

Each argument is a glob; ** matches across directories. Files are applied in
the order matched. Users that already exist (by email) are reused.

Example:
  postpulse seed --db ./postpulse.db 'fixtures/**/*.yaml'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSeed(cmd *cobra.Command, opts *SeedOptions, patterns []string) error {
	out := opts.formatter(cmd)

	files, err := expandGlobs(patterns)
	if err != nil {
		return fail(out, ExitCommandError, ErrCodeFixture, "invalid fixture pattern", err)
	}
	if len(files) == 0 {
		return fail(out, ExitCommandError, ErrCodeFixture, "no fixture files matched", fmt.Errorf("patterns %q", patterns))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return fail(out, ExitCommandError, ErrCodeStorage, "failed to open database", err)
	}
	defer st.Close()

	result, err := SeedFiles(cmd.Context(), st, files)
	if err != nil {
		return fail(out, ExitFailure, ErrCodeFixture, "seed failed", err)
	}

	return out.Success(result, func(w io.Writer) error {
		rows := make([][]string, 0, len(result.Users))
		for _, u := range result.Users {
			rows = append(rows, []string{strconv.FormatInt(u.ID, 10), u.Email, u.APIToken, strconv.FormatBool(u.Created)})
		}
		if err := Table(w, []string{"ID", "EMAIL", "TOKEN", "CREATED"}, rows); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\nSeeded %d posts from %d files\n", result.Posts, len(result.Files))
		return err
	})
}

// expandGlobs returns the files matched by patterns, without duplicates,
// in match order.
func expandGlobs(patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		if !doublestar.ValidatePathPattern(pattern) {
			return nil, fmt.Errorf("bad pattern %q", pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	return files, nil
}

// SeedFiles applies each fixture file in order. Posts go through the
// store's normal write path, so hooks fire as they would for a user edit.
func SeedFiles(ctx context.Context, st *store.Store, files []string) (SeedResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result := SeedResult{Files: files, Users: []SeededUser{}}
	users := make(map[string]post.User)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return result, fmt.Errorf("read fixture: %w", err)
		}
		var fx Fixture
		if err := yaml.Unmarshal(data, &fx); err != nil {
			return result, fmt.Errorf("%s: %w", path, err)
		}

		for _, fu := range fx.Users {
			u, created, err := ensureUser(ctx, st, fu)
			if err != nil {
				return result, fmt.Errorf("%s: user %s: %w", path, fu.Email, err)
			}
			if _, dup := users[u.Email]; !dup {
				result.Users = append(result.Users, SeededUser{
					ID: u.ID, Email: u.Email, APIToken: u.APIToken, Created: created,
				})
			}
			users[u.Email] = u
		}

		for i, fp := range fx.Posts {
			owner, ok := users[fp.Owner]
			if !ok {
				owner, err = st.UserByEmail(ctx, fp.Owner)
				if err != nil {
					return result, fmt.Errorf("%s: post %d: owner %q: %w", path, i, fp.Owner, err)
				}
				users[owner.Email] = owner
			}
			p := fp.Post
			p.ID = 0
			p.UserID = owner.ID
			if _, err := st.CreatePost(ctx, p); err != nil {
				return result, fmt.Errorf("%s: post %d: %w", path, i, err)
			}
			result.Posts++
		}
	}
	return result, nil
}

func ensureUser(ctx context.Context, st *store.Store, fu FixtureUser) (post.User, bool, error) {
	u, err := st.UserByEmail(ctx, fu.Email)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return post.User{}, false, err
	}
	u, err = st.CreateUser(ctx, fu.Email, fu.Name)
	if err != nil {
		return post.User{}, false, err
	}
	return u, true, nil
}
