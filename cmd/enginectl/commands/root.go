package commands

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// adminAddr is the base URL enginectl talks to for status and cache
// commands, which query a separately running server process rather than
// holding any in-process engine state of their own.
var adminAddr string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "enginectl",
		Short:         "Operate the inference engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := pflag.NewFlagSet("enginectl", pflag.ContinueOnError)
	flags.StringVar(&adminAddr, "addr", "http://127.0.0.1:8080", "base URL of a running engine instance")
	root.PersistentFlags().AddFlagSet(flags)

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newModelsCmd())
	return root
}

// Execute runs enginectl's root command.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}
