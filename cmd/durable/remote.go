package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/durable/client"
)

// newClient builds an API client from the http section, letting --server
// and --token override it.
func newClient(cmd *cobra.Command, flags *globalFlags) (*client.Client, error) {
	cfg, err := loadConfig(flags.configPath, flags.envFile)
	if err != nil {
		return nil, err
	}
	server, token := cfg.HTTP.Server, cfg.HTTP.Token
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		server = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		token = v
	}
	return client.New(server,
		client.WithToken(token),
		client.WithRetry(3, 250*time.Millisecond),
		client.WithLogger(newLogger(cfg.Log)),
	), nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "server base URL (overrides http.server)")
	cmd.Flags().String("token", "", "bearer token (overrides http.token)")
}

// jsonArg parses an optional JSON argument, defaulting to null.
func jsonArg(args []string, i int) (json.RawMessage, error) {
	if len(args) <= i {
		return json.RawMessage("null"), nil
	}
	raw := json.RawMessage(args[i])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("argument %d is not valid JSON", i+1)
	}
	return raw, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTriggerCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <event-name> [payload-json]",
		Short: "Deliver an event to the server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			payload, err := jsonArg(args, 1)
			if err != nil {
				return err
			}
			var opts []client.EventOption
			if id, _ := cmd.Flags().GetString("id"); id != "" {
				opts = append(opts, client.WithEventID(id))
			}
			resp, err := c.DeliverEvent(cmd.Context(), args[0], payload, opts...)
			if resp != nil {
				_ = printJSON(resp)
			}
			return err
		},
	}
	addClientFlags(cmd)
	cmd.Flags().String("id", "", "event ID used for deduplication")
	return cmd
}

func newSignalCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal <run-id> <key> [payload-json]",
		Short: "Deliver a signal to a waiting run",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			payload, err := jsonArg(args, 2)
			if err != nil {
				return err
			}
			if err := c.Signal(cmd.Context(), args[0], args[1], payload); err != nil {
				return err
			}
			fmt.Println("signal delivered")
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newCancelCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancellation requested")
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show a run and, with --tasks, its journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd, flags)
			if err != nil {
				return err
			}
			r, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if withTasks, _ := cmd.Flags().GetBool("tasks"); withTasks {
				tasks, err := c.Tasks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"run": r, "tasks": tasks})
			}
			return printJSON(r)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Bool("tasks", false, "include journal entries")
	return cmd
}
