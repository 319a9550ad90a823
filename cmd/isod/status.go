package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusRuns int

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archive statistics and recent update cycles",
		Example: `  isod status
  isod status --runs 20`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusRuns, "runs", 10, "number of recent cycles to show")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	stats, err := globalArchive.Stats()
	if err != nil {
		return fmt.Errorf("failed to read archive stats: %w", err)
	}

	fmt.Printf("Archive: %s\n", globalArchive.Root())
	fmt.Printf("  Images:      %d\n", stats.Images)
	fmt.Printf("  Stored:      %s (deduplicated)\n", humanize.IBytes(uint64(stats.BlobBytes)))
	fmt.Printf("  Quarantined: %d\n", stats.Quarantined)
	fmt.Println()

	runs, err := globalArchive.Index().ListCycleRuns(statusRuns)
	if err != nil {
		return fmt.Errorf("failed to list cycle runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No update cycles recorded yet.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Started", "Status", "Added", "Retired", "Failed", "Fetched"})
	for _, run := range runs {
		t.AppendRow(table.Row{
			run.StartTime.Format("2006-01-02 15:04"),
			run.Status,
			run.ImagesAdded,
			run.ImagesRemoved,
			run.ImagesFailed,
			humanize.IBytes(uint64(run.BytesFetched)),
		})
	}
	t.Render()

	return nil
}
