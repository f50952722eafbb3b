package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
)

func printThreads(w io.Writer, threads []conversation.ThreadSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tMODE\tTITLE")
	for _, t := range threads {
		mode := ""
		if t.CommandMode {
			mode = "command"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", t.RootID, t.CreatedAt.Local().Format("2006-01-02 15:04"), mode, t.Title())
	}
	return tw.Flush()
}

func newThreadsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List and manage threads",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List threads, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			threads, err := app.ReadOnlyManager().ListThreads(ctx)
			if err != nil {
				return err
			}
			return printThreads(cmd.OutOrStdout(), threads)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <thread-id> <name>",
		Short: "Rename a thread, an empty name resets it",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return app.ReadOnlyManager().RenameThread(ctx, id, strings.Join(args[1:], " "))
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "command-mode <thread-id> <on|off>",
		Short: "Only keep the first code block of replies in a thread",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			enabled, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return app.ReadOnlyManager().SetCommandMode(ctx, id, enabled)
		}),
	})

	deleteCmd := &cobra.Command{
		Use:   "delete <thread-id>",
		Short: "Delete a thread with all its branches",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(fmt.Sprintf("Delete thread %d with all its messages?", id))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			n, err := app.ReadOnlyManager().DeleteThread(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "deleted %d messages\n", n)
			return nil
		}),
	}
	deleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	cmd.AddCommand(deleteCmd)

	exportCmd := &cobra.Command{
		Use:   "export <thread-id>",
		Short: "Export the newest branch of a thread as json or yaml",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			format, err := formatFlag(cmd, output)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return errors.Wrap(err, "create export file")
				}
				defer func() {
					_ = f.Close()
				}()
				w = f
			}
			return app.ReadOnlyManager().ExportThread(ctx, w, id, format)
		}),
	}
	exportCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")
	exportCmd.Flags().String("format", "", "json or yaml (default: from the file name, else json)")
	cmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an exported thread as a new thread",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			format, err := formatFlag(cmd, args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open import file")
			}
			defer func() {
				_ = f.Close()
			}()
			s, err := app.ReadOnlyManager().ImportThread(ctx, f, format)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "imported thread %d\n", s.RootID())
			return nil
		}),
	}
	importCmd.Flags().String("format", "", "json or yaml (default: from the file name)")
	cmd.AddCommand(importCmd)

	return cmd
}

func formatFlag(cmd *cobra.Command, path string) (conversation.Format, error) {
	f, _ := cmd.Flags().GetString("format")
	if f == "" {
		return conversation.FormatForPath(path), nil
	}
	return conversation.ParseFormat(f)
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	ret, err := cast.ToBoolE(s)
	if err != nil {
		return false, errors.Errorf("expected on or off, got %q", s)
	}
	return ret, nil
}
