package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/media-fetcher/internal/clock/system"
	"github.com/JakeFAU/media-fetcher/internal/maintenance"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
)

// fsFactory returns the filesystem the cleanup command works on. Tests swap
// in an in-memory filesystem.
var fsFactory = afero.NewOsFs

func newCleanupCmd() *cobra.Command {
	var (
		user string
		days int
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Deletes a user's downloads older than --days",
		Long: `Removes files and links in the user's download folder whose modification
time is older than the retention window, then prunes emptied folders. The
shared content store is never touched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			if days == 0 {
				days = rt.cfg.Cleanup.DefaultDays
			}
			fs := fsFactory()
			users, err := local.New(fs, local.Config{Root: rt.cfg.Storage.DataDir}, rt.logger.Named("users"))
			if err != nil {
				return fmt.Errorf("open data directory: %w", err)
			}
			cleaner := maintenance.New(fs, users, system.New(), rt.logger.Named("cleanup"))
			res, err := cleaner.Run(cmd.Context(), user, days)
			if err != nil {
				return fmt.Errorf("cleanup %s: %w", user, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d files and %d folders, freed %d bytes\n",
				res.FilesDeleted, res.FoldersDeleted, res.BytesFreed)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user whose downloads are cleaned")
	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (default cleanup.default_days)")
	_ = cmd.MarkFlagRequired("user") //nolint:errcheck // flag defined above
	return cmd
}
