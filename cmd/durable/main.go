// Command durable runs a durable task-execution server and talks to one.
//
//	durable serve --config durable.yaml
//	durable trigger user.signup '{"email":"ada@example.com"}'
//	durable signal <run-id> approve '{"ok":true}'
//	durable token --subject ci --scope event:write
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "durable",
		Short:         "Replay-based durable task execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(
		newServeCmd(flags),
		newTriggerCmd(flags),
		newSignalCmd(flags),
		newCancelCmd(flags),
		newRunCmd(flags),
		newTokenCmd(flags),
	)
	return root
}
