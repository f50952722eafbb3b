package cmds

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func maskSecret(key string, value string) string {
	if !config.IsSecret(key) || value == "" {
		return value
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change stored settings",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all settings with their effective values",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			showSecrets, _ := cmd.Flags().GetBool("show-secrets")
			snapshot := app.Config.Snapshot()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range app.Config.Keys() {
				v := snapshot[k]
				if !showSecrets {
					v = maskSecret(k, v)
				}
				fmt.Fprintf(tw, "%s\t%s\n", k, v)
			}
			return tw.Flush()
		}),
	}
	listCmd.Flags().Bool("show-secrets", false, "Show api keys unmasked")
	cmd.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			showSecrets, _ := cmd.Flags().GetBool("show-secrets")
			v, ok := app.Config.Lookup(args[0])
			if !ok {
				return errors.Errorf("%s is not set", args[0])
			}
			if !showSecrets {
				v = maskSecret(args[0], v)
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		}),
	}
	getCmd.Flags().Bool("show-secrets", false, "Show api keys unmasked")
	cmd.AddCommand(getCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			return app.Config.Set(ctx, args[0], strings.Join(args[1:], " "))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a stored setting, reverting it to its default",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			return app.Config.Delete(ctx, args[0])
		}),
	})

	return cmd
}
