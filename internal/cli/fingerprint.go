package cli

import (
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/postpulse/internal/post"
	"github.com/roach88/postpulse/internal/store"
)

// FingerprintOptions holds flags for the fingerprint command.
type FingerprintOptions struct {
	*RootOptions
	Database string
}

// PostFingerprint is one row of fingerprint output.
type PostFingerprint struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"userId"`
	UpdatedAt   string `json:"updatedAt"`
	Fingerprint string `json:"fingerprint"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FingerprintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the change-detection fingerprint of every post",
		Long: `Print the fingerprint the change detector computes for every post.

Two runs that print the same fingerprint for a post saw the same watched
field values, whatever updated_at says.

Example:
  postpulse fingerprint --db ./postpulse.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runFingerprint(cmd *cobra.Command, opts *FingerprintOptions) error {
	out := opts.formatter(cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return fail(out, ExitCommandError, ErrCodeStorage, "failed to open database", err)
	}
	defer st.Close()

	posts, err := st.ListAll(cmd.Context())
	if err != nil {
		return fail(out, ExitFailure, ErrCodeStorage, "failed to list posts", err)
	}

	rows := make([]PostFingerprint, 0, len(posts))
	for _, p := range posts {
		rows = append(rows, PostFingerprint{
			ID:          p.ID,
			UserID:      p.UserID,
			UpdatedAt:   p.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Fingerprint: post.Fingerprint(p),
		})
	}

	return out.Success(rows, func(w io.Writer) error {
		table := make([][]string, 0, len(rows))
		for _, r := range rows {
			table = append(table, []string{
				strconv.FormatInt(r.ID, 10),
				strconv.FormatInt(r.UserID, 10),
				r.UpdatedAt,
				r.Fingerprint,
			})
		}
		return Table(w, []string{"ID", "OWNER", "UPDATED", "FINGERPRINT"}, table)
	})
}
