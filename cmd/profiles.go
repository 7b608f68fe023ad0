package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/shade-cli/internal/observability"
	"github.com/xkilldash9x/shade-cli/internal/profile"
)

var profilesCleanupMaxAge time.Duration

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect and maintain stored browser profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored profiles, most recently used first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := profile.New(cfg.Profiles.Dir, cfg.Profiles.SessionTimeout, clock.New(), observability.GetLogger())
		if err != nil {
			return err
		}

		metas := store.List()
		if len(metas) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No profiles stored.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPURPOSE\tSESSIONS\tLAST USED\tUSER AGENT")
		for _, meta := range metas {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				meta.ID,
				strings.Join(meta.Tags, ","),
				meta.SessionCount,
				meta.LastUsed.Format(time.RFC3339),
				truncate(meta.UserAgent, 60),
			)
		}
		return w.Flush()
	},
}

var profilesCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete profiles unused for longer than the maximum age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := profile.New(cfg.Profiles.Dir, cfg.Profiles.SessionTimeout, clock.New(), observability.GetLogger())
		if err != nil {
			return err
		}

		maxAge := profilesCleanupMaxAge
		if maxAge == 0 {
			maxAge = cfg.Profiles.MaxAge
		}
		removed := store.CleanupExpired(maxAge)
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired profile(s).\n", removed)
		return nil
	},
}

func init() {
	profilesCleanupCmd.Flags().DurationVar(&profilesCleanupMaxAge, "max-age", 0, "override the configured maximum age (e.g. 720h)")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesCleanupCmd)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
