package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every archived image against its recorded digest",
		Long: `Read every archived image back and compare it against the digest it
was admitted with. Images whose content no longer matches are moved to
the quarantine directory and dropped from the archive; the next update
cycle re-downloads the release.`,
		Example: "  isod verify",
		RunE: func(cmd *cobra.Command, args []string) error {
			findings, err := globalArchive.Verify(cmd.Context())
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			if len(findings) == 0 {
				fmt.Println("All images verified.")
				return nil
			}
			for _, f := range findings {
				fmt.Printf("  %s: %s\n", f.CanonicalName, f.Reason)
			}
			return fmt.Errorf("%d image(s) failed verification and were quarantined", len(findings))
		},
	}
}
