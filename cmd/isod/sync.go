package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	syncMount  string
	syncDryRun bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror the archive onto the removable drive",
		Long: `Converge the removable drive on the archive contents without checking
upstream for new releases. Stale or superseded images are removed from
the drive first so the space they held is available to new copies.
Files on the drive that isod did not put there are never touched.

When the drive is too small for the whole archive, the oldest releases
of each family are dropped from the plan first; the newest release of
every family is kept as long as it fits.`,
		Example: `  isod sync
  isod sync --mount /mnt/usb
  isod sync --dry-run`,
		RunE: syncRun,
	}

	cmd.Flags().StringVar(&syncMount, "mount", "", "drive mount path (overrides drive.mount_path)")
	cmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "show the plan without changing the drive")

	return cmd
}

func syncRun(cmd *cobra.Command, args []string) error {
	if syncMount != "" {
		globalCfg.Drive.MountPath = syncMount
	}

	if syncDryRun {
		plan, err := globalOrch.PlanDrive()
		if err != nil {
			return err
		}
		if plan.Empty() {
			fmt.Println("Drive is already in sync.")
			return nil
		}
		for _, name := range plan.CleanTemp {
			fmt.Printf("  clean  %s\n", name)
		}
		for _, name := range plan.Remove {
			fmt.Printf("  remove %s\n", name)
		}
		for _, item := range plan.Copy {
			fmt.Printf("  copy   %s (%s)\n", item.Name, humanize.IBytes(uint64(item.Size)))
		}
		for _, name := range plan.Dropped {
			fmt.Printf("  skip   %s (drive too small)\n", name.Name)
		}
		if plan.Shortfall > 0 {
			fmt.Printf("Drive is %s short of holding everything.\n", humanize.IBytes(uint64(plan.Shortfall)))
		}
		return nil
	}

	res, plan, err := globalOrch.SyncDrive(cmd.Context())
	if err != nil {
		return fmt.Errorf("drive sync failed: %w", err)
	}

	fmt.Printf("Drive sync complete:\n")
	fmt.Printf("  Copied:  %d (%s)\n", len(res.Copied), humanize.IBytes(uint64(res.BytesCopied)))
	fmt.Printf("  Removed: %d\n", len(res.Removed))
	if len(plan.Dropped) > 0 {
		fmt.Printf("  Dropped: %d (drive %s short)\n", len(plan.Dropped), humanize.IBytes(uint64(plan.Shortfall)))
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("drive sync completed with failures: %w", err)
	}
	return nil
}
