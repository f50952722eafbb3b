package conversation

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", errors.Errorf("unknown format %q", s)
}

// FormatForPath guesses the format from a file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

type ExportedMessage struct {
	Role      store.Role   `json:"role" yaml:"role"`
	Content   string       `json:"content" yaml:"content"`
	Status    store.Status `json:"status" yaml:"status"`
	CreatedAt time.Time    `json:"createdAt" yaml:"createdAt"`
}

// ExportedThread is the visible path of a thread, without its other branches.
type ExportedThread struct {
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	CommandMode bool              `json:"commandMode,omitempty" yaml:"commandMode,omitempty"`
	ExportedAt  time.Time         `json:"exportedAt" yaml:"exportedAt"`
	Messages    []ExportedMessage `json:"messages" yaml:"messages"`
}

// ExportThread writes the newest branch of a thread, or the selected branch
// if the thread is the current one.
func (m *Manager) ExportThread(ctx context.Context, w io.Writer, rootID int64, format Format) error {
	t, err := m.exportedThread(ctx, rootID)
	if err != nil {
		return err
	}
	return encodeThread(w, t, format)
}

func (m *Manager) exportedThread(ctx context.Context, rootID int64) (*ExportedThread, error) {
	m.mu.Lock()
	path := []int64{rootID}
	if m.state.RootID() == rootID {
		path = m.state.Path()
	}
	m.mu.Unlock()

	s, err := m.walk(ctx, path)
	if err != nil {
		return nil, err
	}
	ret := &ExportedThread{
		Name:        s.Thread.Name,
		CommandMode: s.Thread.CommandMode,
		ExportedAt:  m.now(),
		Messages:    []ExportedMessage{},
	}
	for _, e := range s.Entries() {
		ret.Messages = append(ret.Messages, ExportedMessage{
			Role:      e.Message.Role,
			Content:   e.Message.Content,
			Status:    e.Message.Status,
			CreatedAt: e.Message.CreatedAt,
		})
	}
	return ret, nil
}

func encodeThread(w io.Writer, t *ExportedThread, format Format) error {
	switch format {
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(t); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return encoder.Close()
	default:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return errors.Wrap(encoder.Encode(t), "encode json")
	}
}

// ImportThread creates a new thread from an export and selects it. Messages
// that were still pending when exported are imported as failed.
func (m *Manager) ImportThread(ctx context.Context, r io.Reader, format Format) (*VisibleState, error) {
	var t ExportedThread
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&t); err != nil {
			return nil, errors.Wrap(err, "decode yaml")
		}
	default:
		if err := json.NewDecoder(r).Decode(&t); err != nil {
			return nil, errors.Wrap(err, "decode json")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	path, err := m.appendLocked(ctx, nil, store.NewMessage{Role: store.RoleRoot})
	if err != nil {
		return nil, err
	}
	for i, msg := range t.Messages {
		if msg.Role == store.RoleRoot {
			continue
		}
		if !msg.Role.Valid() {
			return nil, errors.Errorf("message %d: invalid role %q", i, msg.Role)
		}
		status := msg.Status
		if status == store.StatusPending || !status.Valid() {
			status = store.StatusFailed
		}
		path, err = m.appendLocked(ctx, path, store.NewMessage{Role: msg.Role, Content: msg.Content, Status: status})
		if err != nil {
			return nil, err
		}
	}
	if t.Name != "" || t.CommandMode {
		err = m.store.UpsertThread(ctx, &store.Thread{RootID: path[0], Name: t.Name, CommandMode: t.CommandMode})
		if err != nil {
			return nil, errors.Wrap(err, "save imported thread")
		}
	}
	if err := m.reloadLocked(ctx, path); err != nil {
		return nil, err
	}
	return m.state.Clone(), nil
}

const DefaultAutosaveFormat = `{{.Year}}/{{.Month}}/{{.Day}}/thread-{{.RootID}}.json`

// WithAutosave writes the thread of every finished reply below dir. The file
// name is a template over .Year, .Month, .Day, .RootID, .Name and .Time.
func WithAutosave(enabled bool, format string, dir string) ManagerOption {
	return func(m *Manager) {
		m.autosaveEnabled = enabled
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				homeDir = "."
			}
			dir = filepath.Join(homeDir, ".branchchat", "history")
		}
		m.autosaveDir = dir
		if format == "" {
			format = DefaultAutosaveFormat
		}
		m.autosaveFormat = format
	}
}

func (m *Manager) autosave(ctx context.Context, messageID int64) error {
	chain, err := m.store.Ancestors(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	root := chain[0]
	t, err := m.exportedThread(ctx, root.ID)
	if err != nil {
		return err
	}

	data := map[string]interface{}{
		"Year":   root.CreatedAt.Format("2006"),
		"Month":  root.CreatedAt.Format("01"),
		"Day":    root.CreatedAt.Format("02"),
		"RootID": root.ID,
		"Name":   t.Name,
		"Time":   root.CreatedAt,
	}
	tmpl, err := createTemplate("autosave").Parse(m.autosaveFormat)
	if err != nil {
		return errors.Wrap(err, "parse autosave format")
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return errors.Wrap(err, "render autosave path")
	}

	fullPath := filepath.Join(m.autosaveDir, sb.String())
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	return encodeThread(f, t, FormatForPath(fullPath))
}
