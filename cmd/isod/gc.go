package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove orphaned blobs and dangling image links",
		Long: `Scan the archive for blobs no image references and image links whose
index record is gone, and remove them. Orphans appear after a crash
between filesystem and index updates; gc makes the two agree again.`,
		Example: "  isod gc",
		RunE: func(cmd *cobra.Command, args []string) error {
			blobs, links, err := globalArchive.GC(cmd.Context())
			if err != nil {
				return fmt.Errorf("gc failed: %w", err)
			}
			fmt.Printf("Removed %d orphaned blob(s), %d dangling link(s).\n", len(blobs), len(links))
			return nil
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the index from the files on disk",
		Long: `Drop the image index and rebuild it by scanning the archive
directory, re-deriving each image's identity from its filename and
re-hashing its content. Use this when the index database is lost or
corrupted; the image files themselves are the source of truth.`,
		Example: "  isod rebuild",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := globalArchive.Rebuild(cmd.Context())
			if err != nil {
				return fmt.Errorf("rebuild failed: %w", err)
			}
			fmt.Printf("Rebuilt index from %d image(s).\n", n)
			return nil
		},
	}
}
