package speech

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Pico2WaveSynthesizer synthesizes speech offline with the SVOX pico2wave tool.
// Supported languages are en-US, en-GB, de-DE, es-ES, fr-FR and it-IT.
type Pico2WaveSynthesizer struct {
	command  string
	language string
}

var _ Synthesizer = (*Pico2WaveSynthesizer)(nil)

func NewPico2WaveSynthesizer(command string, language string) *Pico2WaveSynthesizer {
	if command == "" {
		command = "pico2wave"
	}
	if language == "" {
		language = "en-US"
	}
	return &Pico2WaveSynthesizer{command: command, language: language}
}

func (p *Pico2WaveSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f, err := os.CreateTemp("", "branchchat-*.wav")
	if err != nil {
		return nil, errors.Wrap(err, "create temp file")
	}
	path := f.Name()
	_ = f.Close()
	defer func() {
		_ = os.Remove(path)
	}()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.command, "-w="+path, "--lang="+p.language, text)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%s: %s", p.command, strings.TrimSpace(stderr.String()))
	}
	return os.ReadFile(path)
}

// CommandPlayer plays audio by piping it into an external command such as
// `ffplay -nodisp -autoexit -`.
type CommandPlayer struct {
	args []string
}

var _ Player = (*CommandPlayer)(nil)

func NewCommandPlayer(command string) (*CommandPlayer, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("empty player command")
	}
	return &CommandPlayer{args: args}, nil
}

func (c *CommandPlayer) Play(ctx context.Context, audio []byte) error {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		log.Trace().Msg("playback canceled")
		return ctx.Err()
	}
	if err != nil {
		return errors.Wrapf(err, "%s: %s", c.args[0], strings.TrimSpace(stderr.String()))
	}
	return nil
}
