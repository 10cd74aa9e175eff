package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/postpulse/internal/store"
)

// UserOptions holds flags for the user commands.
type UserOptions struct {
	*RootOptions
	Database string
	Email    string
	Name     string
}

// NewUserCommand creates the user command group.
func NewUserCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard users",
	}
	cmd.AddCommand(newUserCreateCommand(rootOpts))
	return cmd
}

func newUserCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UserOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its API token",
		Long: `Create a user and print its API token.

Dashboards pass the token as "Authorization: Bearer <token>" or, for event
streams, as ?token=<token>.

Example:
  postpulse user create --db ./postpulse.db --email owner@example.com --name Owner`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)

			st, err := store.Open(opts.Database)
			if err != nil {
				return fail(out, ExitCommandError, ErrCodeStorage, "failed to open database", err)
			}
			defer st.Close()

			u, err := st.CreateUser(cmd.Context(), opts.Email, opts.Name)
			if err != nil {
				return fail(out, ExitFailure, ErrCodeStorage, "failed to create user", err)
			}

			created := SeededUser{ID: u.ID, Email: u.Email, APIToken: u.APIToken, Created: true}
			return out.Success(created, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Created user %d (%s)\nAPI token: %s\n", u.ID, u.Email, u.APIToken)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "user email (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
