package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
)

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message and print the streamed reply",
		Long: "Send a message to the thread containing --to, below the newest branch.\n" +
			"Without --to a new thread is started.",
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			name, _ := cmd.Flags().GetString("name")
			commandMode, _ := cmd.Flags().GetBool("command-mode")
			speak, _ := cmd.Flags().GetBool("speak")
			text := strings.Join(args, " ")

			s, err := startSession(ctx, app, cmd.OutOrStdout(), speak)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.close()
			}()

			var h *completion.Handle
			if to != "" {
				id, err := parseID(to)
				if err != nil {
					return err
				}
				if _, err := s.manager.OpenMessage(ctx, id); err != nil {
					return err
				}
				h, err = s.manager.Send(ctx, text)
				if err != nil {
					return err
				}
			} else {
				h, err = s.manager.StartThread(ctx, text,
					conversation.WithThreadName(name),
					conversation.WithCommandMode(commandMode),
				)
				if err != nil {
					return err
				}
			}
			if err := s.await(ctx, h); err != nil {
				return err
			}
			if leaf := s.manager.State().Leaf(); leaf != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "(message #%d)\n", leaf.ID)
			}
			return s.drain(ctx)
		}),
	}
	cmd.Flags().String("to", "", "Continue the thread at this message id")
	cmd.Flags().String("name", "", "Name of the new thread")
	cmd.Flags().Bool("command-mode", false, "Only keep the first code block of replies")
	cmd.Flags().Bool("speak", false, "Read the reply aloud")
	return cmd
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <message-id>",
		Short: "Show the path through a message",
		Long: "Show the path from the root through the message, continuing with the newest\n" +
			"replies. Messages with alternatives are marked [i/n].",
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := app.ReadOnlyManager().OpenMessage(ctx, id)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), s, all)
			return nil
		}),
	}
	cmd.Flags().Bool("all", false, "Also show the default system prompt")
	return cmd
}

func newEditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <message-id> <text>",
		Short: "Add an edited version of a message as a new branch",
		Long: "The edited message is added next to the original. Editing a user message\n" +
			"requests a new reply.",
		Args: cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := startSession(ctx, app, cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.close()
			}()
			_, depth, err := openAt(ctx, s.manager, id)
			if err != nil {
				return err
			}
			h, err := s.manager.EditMessage(ctx, depth, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if err := s.await(ctx, h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "(message #%d)\n", s.manager.State().Steps[depth].Message.ID)
			return nil
		}),
	}
}

func newRegenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <message-id>",
		Short: "Request another reply in place of an assistant message",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := startSession(ctx, app, cmd.OutOrStdout(), false)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.close()
			}()
			_, depth, err := openAt(ctx, s.manager, id)
			if err != nil {
				return err
			}
			h, err := s.manager.Regenerate(ctx, depth)
			if err != nil {
				return err
			}
			return s.await(ctx, h)
		}),
	}
}

func newBranchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch <message-id>",
		Short: "Show the path through an older or newer alternative of a message",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			older, _ := cmd.Flags().GetBool("older")
			all, _ := cmd.Flags().GetBool("all")
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			m := app.ReadOnlyManager()
			_, depth, err := openAt(ctx, m, id)
			if err != nil {
				return err
			}
			dir := conversation.Newer
			if older {
				dir = conversation.Older
			}
			s, err := m.SelectSibling(ctx, depth, dir)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), s, all)
			return nil
		}),
	}
	cmd.Flags().Bool("older", false, "Select the older alternative instead of the newer one")
	cmd.Flags().Bool("all", false, "Also show the default system prompt")
	return cmd
}

const chatHelp = `Type a message to send it. Commands:
  /show [all]          show the visible path
  /edit <id> <text>    add an edited version of a visible message
  /regen [id]          regenerate an assistant reply, the last one by default
  /older <id>          switch to the older alternative of a message
  /newer <id>          switch to the newer alternative of a message
  /open <id>           open the path through a message
  /threads             list threads
  /new                 start a new thread with the next message
  /help                show this help
  /quit                leave
`

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			speak, _ := cmd.Flags().GetBool("speak")
			w := cmd.OutOrStdout()

			s, err := startSession(ctx, app, w, speak)
			if err != nil {
				return err
			}
			defer func() {
				_ = s.close()
			}()

			if to != "" {
				id, err := parseID(to)
				if err != nil {
					return err
				}
				st, err := s.manager.OpenMessage(ctx, id)
				if err != nil {
					return err
				}
				printState(w, st, false)
			}

			ui := &input.UI{
				Writer: w,
				Reader: os.Stdin,
			}
			fmt.Fprint(w, chatHelp)
			for {
				line, err := ui.Ask("\n>", &input.Options{HideOrder: true})
				if err != nil {
					if errors.Is(err, input.ErrInterrupted) {
						return nil
					}
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				quit, err := s.handleLine(ctx, w, line)
				if err != nil {
					fmt.Fprintf(w, "error: %s\n", err)
				}
				if quit {
					return nil
				}
			}
		}),
	}
	cmd.Flags().String("to", "", "Continue the thread at this message id")
	cmd.Flags().Bool("speak", false, "Read replies aloud")
	return cmd
}

// handleLine runs one line of the chat loop.
func (s *session) handleLine(ctx context.Context, w io.Writer, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		if s.queue != nil {
			s.queue.Stop()
		}
		h, err := s.manager.Send(ctx, line)
		if err != nil {
			return false, err
		}
		return false, s.await(ctx, h)
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	m := s.manager

	switch command {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprint(w, chatHelp)
	case "/new":
		m.Clear()
	case "/show":
		st := m.State()
		if st == nil {
			return false, conversation.ErrNoThreadSelected
		}
		printState(w, st, rest == "all")
	case "/threads":
		threads, err := m.ListThreads(ctx)
		if err != nil {
			return false, err
		}
		return false, printThreads(w, threads)
	case "/open", "/older", "/newer":
		id, err := parseID(rest)
		if err != nil {
			return false, err
		}
		st, err := m.OpenMessage(ctx, id)
		if err != nil {
			return false, err
		}
		if command != "/open" {
			depth, err := depthOf(st, id)
			if err != nil {
				return false, err
			}
			dir := conversation.Newer
			if command == "/older" {
				dir = conversation.Older
			}
			st, err = m.SelectSibling(ctx, depth, dir)
			if err != nil {
				return false, err
			}
		}
		printState(w, st, false)
	case "/edit":
		idArg, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return false, errors.New("usage: /edit <id> <text>")
		}
		id, err := parseID(idArg)
		if err != nil {
			return false, err
		}
		depth, err := depthOf(m.State(), id)
		if err != nil {
			return false, err
		}
		h, err := m.EditMessage(ctx, depth, strings.TrimSpace(text))
		if err != nil {
			return false, err
		}
		return false, s.await(ctx, h)
	case "/regen":
		st := m.State()
		if st == nil {
			return false, conversation.ErrNoThreadSelected
		}
		depth := len(st.Steps) - 1
		if rest != "" {
			id, err := parseID(rest)
			if err != nil {
				return false, err
			}
			depth, err = depthOf(st, id)
			if err != nil {
				return false, err
			}
		}
		h, err := m.Regenerate(ctx, depth)
		if err != nil {
			return false, err
		}
		return false, s.await(ctx, h)
	default:
		return false, errors.Errorf("unknown command %s, try /help", command)
	}
	return false, nil
}
