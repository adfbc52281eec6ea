package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or manage the running engine's model cache",
	}
	cmd.AddCommand(newCacheSnapshotCmd())
	return cmd
}

func newCacheSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Trigger an out-of-band model cache snapshot write",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(adminAddr+"/internal/cache/snapshot", "application/json", nil)
			if err != nil {
				return fmt.Errorf("requesting snapshot from %s: %w", adminAddr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("engine returned status %d", resp.StatusCode)
			}
			cmd.Println("cache snapshot written")
			return nil
		},
	}
}
