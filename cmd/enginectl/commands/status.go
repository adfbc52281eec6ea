package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	LoadedModels []string `json:"loaded_models"`
	QueueDepth   int      `json:"queue_depth"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of a running engine instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(adminAddr + "/internal/status")
			if err != nil {
				return fmt.Errorf("querying %s: %w", adminAddr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("engine returned status %d", resp.StatusCode)
			}

			var status statusResponse
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decoding status response: %w", err)
			}

			cmd.Printf("queue depth: %d\n", status.QueueDepth)
			if len(status.LoadedModels) == 0 {
				cmd.Println("loaded models: none")
				return nil
			}
			cmd.Println("loaded models:")
			for _, id := range status.LoadedModels {
				cmd.Printf("  %s\n", id)
			}
			return nil
		},
	}
}
