package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/burnengine/burn/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the state store",
		Long: `Inspect the saved engine state and the apply ledger.

Every apply records a session and one row per executed or rolled back
action. The detected state of each bundle is saved after a successful
apply.`,
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateSessionsCommand())
	cmd.AddCommand(newStateActionsCommand())
	cmd.AddCommand(newStateDeleteCommand())
	return cmd
}

// withStore runs fn against the configured store.
func withStore(cmd *cobra.Command, fn func(store *stores.SQLiteStore) error) error {
	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.shutdown(cmd.Context())

	store, err := e.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show BUNDLE_ID",
		Short: "Print the saved state of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				st, err := store.GetState(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(w, map[string]any{
						"bundle_id":  st.BundleID,
						"hash":       st.Hash,
						"updated_at": st.UpdatedAt,
						"state":      string(st.State),
					})
				}
				fmt.Fprintf(w, "# bundle %s, hash %s, updated %s\n", st.BundleID, st.Hash, st.UpdatedAt.Format(time.RFC3339))
				_, err = w.Write(st.State)
				return err
			})
		},
	}
}

func newStateSessionsCommand() *cobra.Command {
	var (
		bundleID string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List apply sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				sessions, err := store.ListSessions(cmd.Context(), bundleID, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), sessions)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tBUNDLE\tACTION\tSTATUS\tRESTART\tSTARTED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						s.ID, s.BundleID, s.Action, s.Status, s.Restart, s.StartedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVarP(&bundleID, "bundle", "b", "", "only sessions of this bundle")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions")
	return cmd
}

func newStateActionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actions SESSION_ID",
		Short: "List the actions a session executed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				session, err := store.GetSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				actions, err := store.ListActions(cmd.Context(), session.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"session": session,
						"actions": actions,
					})
				}

				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Session %s: %s %s, %s\n", session.ID, session.Action, session.BundleID, session.Status)
				if session.Error != nil {
					fmt.Fprintf(w, "Error: %s\n", *session.Error)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tKIND\tPACKAGE\tROLLBACK\tSTATUS\tRESTART\tDURATION")
				for _, a := range actions {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\t%s\n",
						a.Sequence, a.Kind, a.PackageID, a.Rollback, a.Status, a.Restart, a.Duration.Round(time.Millisecond))
				}
				return tw.Flush()
			})
		},
	}
}

func newStateDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete BUNDLE_ID",
		Short: "Forget the saved state of a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				if err := store.DeleteState(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted state of %s\n", args[0])
				return nil
			})
		},
	}
}
