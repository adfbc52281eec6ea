package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ringo380/inferno/pkg/config"
	"github.com/ringo380/inferno/pkg/engine"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var listenAddress string
	var modelsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inference engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadYAML(config.FromEnv(), configPath)
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.ListenAddress = listenAddress
			}
			if modelsDir != "" {
				cfg.ModelsDir = modelsDir
			}

			e, err := engine.New(cfg)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return e.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&listenAddress, "listen", "", "override the configured listen address")
	cmd.Flags().StringVar(&modelsDir, "models-dir", "", "override the configured models directory")
	return cmd
}
