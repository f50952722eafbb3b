package cmds

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func newBookmarkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bookmark <message-id> [note]",
		Short: "Bookmark a message, optionally with a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			remove, _ := cmd.Flags().GetBool("remove")
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			note := ""
			if !remove {
				note = strings.Join(args[1:], " ")
			}
			return app.ReadOnlyManager().SetBookmark(ctx, id, !remove, note)
		}),
	}
	cmd.Flags().Bool("remove", false, "Remove the bookmark")
	return cmd
}

func newBookmarksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bookmarks",
		Short: "List bookmarked messages",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			msgs, err := app.ReadOnlyManager().ListBookmarks(ctx)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), msgs)
		}),
	}
}

func newSearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search message contents",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			msgs, err := app.ReadOnlyManager().SearchMessages(ctx, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			return printMessages(cmd.OutOrStdout(), msgs)
		}),
	}
	cmd.Flags().Int("limit", 50, "Maximum number of results")
	return cmd
}
