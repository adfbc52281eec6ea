package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

type modelListResponse struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models discoverable by a running engine instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(adminAddr + "/v1/models")
			if err != nil {
				return fmt.Errorf("querying %s: %w", adminAddr, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("engine returned status %d", resp.StatusCode)
			}

			var list modelListResponse
			if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
				return fmt.Errorf("decoding model list: %w", err)
			}

			if len(list.Data) == 0 {
				cmd.Println("no models found")
				return nil
			}
			for _, m := range list.Data {
				cmd.Printf("%s\t%s\n", m.ID, m.OwnedBy)
			}
			return nil
		},
	}
}
