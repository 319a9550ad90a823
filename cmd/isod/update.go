package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	updateYes    bool
	updateDryRun bool
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Discover, download, and archive new releases",
		Long: `Run one full update cycle: check the release channel of every tracked
image family, propose releases not yet in the archive, download and
verify the approved ones, enforce retention, and sync the removable
drive when one is configured.

New releases are only downloaded with explicit approval: pass --yes or
set auto_approve in the config. Without either, update lists what it
found and exits so the operator can decide. --dry-run always stops
after discovery.`,
		Example: `  isod update
  isod update --yes
  isod update --dry-run`,
		RunE: updateRun,
	}

	cmd.Flags().BoolVarP(&updateYes, "yes", "y", false, "download proposed releases without prompting")
	cmd.Flags().BoolVar(&updateDryRun, "dry-run", false, "discover new releases without downloading")

	return cmd
}

func updateRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if len(globalCfg.Tracked) == 0 {
		logger.Warn("no tracked image families configured")
		return nil
	}

	proposals, failures, err := globalOrch.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	for family, ferr := range failures {
		fmt.Printf("WARNING: %s: %v\n", family, ferr)
	}

	if len(proposals) == 0 {
		fmt.Println("Archive is up to date.")
	} else {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Release", "Source"})
		for _, p := range proposals {
			t.AppendRow(table.Row{p.CanonicalName, p.Descriptor.DownloadURL})
		}
		t.Render()

		if updateDryRun {
			return globalOrch.Reject()
		}

		if !updateYes && !globalCfg.AutoApprove {
			fmt.Printf("\n%d new release(s) found. Re-run with --yes to download them.\n", len(proposals))
			return globalOrch.Reject()
		}
		if err := globalOrch.Approve(); err != nil {
			return err
		}
	}

	if updateDryRun {
		return nil
	}

	report, err := globalOrch.Execute(ctx)
	if err != nil {
		return fmt.Errorf("update cycle failed: %w", err)
	}

	fmt.Printf("\nCycle %s complete:\n", report.CycleID)
	fmt.Printf("  Added:   %d\n", len(report.Added))
	for _, name := range report.Added {
		fmt.Printf("    + %s\n", name)
	}
	fmt.Printf("  Retired: %d\n", len(report.Retired))
	for _, name := range report.Retired {
		fmt.Printf("    - %s\n", name)
	}
	fmt.Printf("  Fetched: %s\n", humanize.IBytes(uint64(report.BytesFetched)))
	if report.Synced != nil {
		fmt.Printf("  Drive:   copied %d, removed %d\n", len(report.Synced.Copied), len(report.Synced.Removed))
	}
	if report.DrivePlan != nil && report.DrivePlan.Shortfall > 0 {
		fmt.Printf("  Drive is %s short; dropped %d older release(s)\n",
			humanize.IBytes(uint64(report.DrivePlan.Shortfall)), len(report.DrivePlan.Dropped))
	}

	if len(report.Failures) > 0 {
		for name, ferr := range report.Failures {
			fmt.Printf("  FAILED: %s: %v\n", name, ferr)
		}
		return fmt.Errorf("cycle completed with %d failure(s)", len(report.Failures))
	}
	return nil
}
