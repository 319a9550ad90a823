package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var listDistro string

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived images",
		Example: `  isod list
  isod list --distro ubuntu`,
		RunE: listRun,
	}

	cmd.Flags().StringVar(&listDistro, "distro", "", "only show images of this distribution")

	return cmd
}

func listRun(cmd *cobra.Command, args []string) error {
	records, err := globalArchive.Index().ListImages(listDistro)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No archived images.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Name", "Distro", "Version", "Arch", "Variant", "Size", "Added"})
	var total int64
	for _, rec := range records {
		t.AppendRow(table.Row{
			rec.CanonicalName,
			rec.Distro,
			rec.Version,
			rec.Arch,
			rec.Variant,
			humanize.IBytes(uint64(rec.Size)),
			rec.AddedAt.Format("2006-01-02 15:04"),
		})
		total += rec.Size
	}
	t.AppendFooter(table.Row{"", "", "", "", "", humanize.IBytes(uint64(total)), ""})
	t.Render()

	return nil
}
