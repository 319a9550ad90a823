package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/airone01/isod/internal/export"
)

var (
	exportTo        string
	exportDistro    string
	exportSplitSize string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the archive as split volumes for offline transfer",
		Long: `Pack the archived images into split tar.zst volumes suitable for
burning to media or transferring via sneakernet. Every volume gets a
.sha256 sidecar, and a JSON manifest lists the full inventory.

Defaults for the output directory and split size come from the export
section of the config file.`,
		Example: `  isod export --to /mnt/transfer-disk
  isod export --to /mnt/usb --distro ubuntu --split-size 4GB`,
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportTo, "to", "", "output directory (defaults to export.output_dir)")
	cmd.Flags().StringVar(&exportDistro, "distro", "", "only export images of this distribution")
	cmd.Flags().StringVar(&exportSplitSize, "split-size", "", "split volumes at this size, e.g. 25GB")

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	outDir := exportTo
	if outDir == "" {
		outDir = globalCfg.Export.OutputDir
	}
	if outDir == "" {
		return fmt.Errorf("no output directory (set --to or export.output_dir)")
	}

	sizeStr := exportSplitSize
	if sizeStr == "" {
		sizeStr = globalCfg.Export.SplitSize
	}
	splitSize, err := export.ParseSize(sizeStr)
	if err != nil {
		return fmt.Errorf("invalid split size %q: %w", sizeStr, err)
	}

	fmt.Printf("Exporting to %s (split at %s)...\n", outDir, sizeStr)

	report, err := export.New(globalArchive, logger).Export(cmd.Context(), export.Options{
		OutputDir: outDir,
		SplitSize: splitSize,
		Distro:    exportDistro,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Export complete:\n")
	fmt.Printf("  Volumes:    %d\n", len(report.Archives))
	fmt.Printf("  Images:     %d\n", report.TotalImages)
	fmt.Printf("  Total size: %s\n", humanize.IBytes(uint64(report.TotalSize)))
	fmt.Printf("  Duration:   %s\n", report.Duration.Round(time.Second))
	fmt.Printf("  Manifest:   %s\n", report.ManifestPath)
	for _, vol := range report.Archives {
		fmt.Printf("  - %s (%s)\n", vol.Name, humanize.IBytes(uint64(vol.Size)))
	}

	return nil
}
