package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/speech"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// argsOrStdin joins args, or reads stdin when there are none.
func argsOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", errors.Wrap(err, "read stdin")
	}
	return string(b), nil
}

func newTokensCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Tokenizer utilities",
	}

	countCmd := &cobra.Command{
		Use:   "count [text]",
		Short: "Count the tokens of text, read from stdin without arguments",
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _ := cmd.Flags().GetString("model")
			text, err := argsOrStdin(cmd, args)
			if err != nil {
				return err
			}
			counter, err := tokens.NewTiktokenCounter()
			if err != nil {
				return err
			}
			n, err := counter.CountText(model, text)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	defaultModel, _ := config.Default(config.KeyModel)
	countCmd.Flags().String("model", defaultModel, "Model whose tokenizer is used")
	cmd.AddCommand(countCmd)

	return cmd
}

func newSpeakCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "speak [text]",
		Short: "Read text aloud line by line, read from stdin without arguments",
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			text, err := argsOrStdin(cmd, args)
			if err != nil {
				return err
			}
			synthesizer, err := app.Synthesizer()
			if err != nil {
				return err
			}
			player, err := app.Player()
			if err != nil {
				return err
			}

			q := speech.NewQueue(synthesizer, player)
			ctx, cancel := context.WithCancel(ctx)
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return q.Run(ctx)
			})
			eg.Go(func() error {
				defer cancel()
				s := &speech.LineSegmenter{}
				for _, line := range s.Flush(text) {
					if err := q.Speak("speak", line); err != nil {
						return err
					}
				}
				return q.Wait(ctx)
			})
			err = eg.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
}

func newTranscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe a recording with whisper",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, app *App, args []string) error {
			language, _ := cmd.Flags().GetString("language")
			if language == "" {
				language = app.Config.Get(config.KeySTTLanguage)
			}
			client, err := app.OpenAIClient()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open audio file")
			}
			defer func() {
				_ = f.Close()
			}()

			w := speech.NewWhisperTranscriber(client, language, app.Ledger)
			text, err := w.Transcribe(ctx, f, filepath.Base(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		}),
	}
	cmd.Flags().String("language", "", "Spoken language (default: the stt_language setting)")
	return cmd
}
