package cmds

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

// AddCommands registers all subcommands on the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		newSendCommand(),
		newChatCommand(),
		newShowCommand(),
		newEditCommand(),
		newRegenerateCommand(),
		newBranchCommand(),
		newThreadsCommand(),
		newBookmarkCommand(),
		newBookmarksCommand(),
		newSearchCommand(),
		newUsageCommand(),
		newConfigCommand(),
		newTokensCommand(),
		newSpeakCommand(),
		newTranscribeCommand(),
	)
}

type appRunFunc func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error

// withApp opens the app around f and closes it afterwards.
func withApp(f appRunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := NewApp(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := app.Close(); err != nil {
				log.Warn().Err(err).Msg("could not close app")
			}
		}()
		return f(ctx, cmd, app, args)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid message id %q", s)
	}
	return id, nil
}

// depthOf returns the position of id on the visible path.
func depthOf(s *conversation.VisibleState, id int64) (int, error) {
	for i, p := range s.Path() {
		if p == id {
			return i, nil
		}
	}
	return 0, errors.Errorf("message %d is not on the visible path", id)
}

// openAt shows the path through message id and returns its depth.
func openAt(ctx context.Context, m *conversation.Manager, id int64) (*conversation.VisibleState, int, error) {
	s, err := m.OpenMessage(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	depth, err := depthOf(s, id)
	if err != nil {
		return nil, 0, err
	}
	return s, depth, nil
}

func confirm(query string) (bool, error) {
	ui := &input.UI{
		Writer: os.Stderr,
		Reader: os.Stdin,
	}
	answer, err := ui.Ask(fmt.Sprintf("%s [y/n]", query), &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return strings.EqualFold(answer, "y"), nil
}
