package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const previewLength = 60

type ThreadSummary struct {
	RootID      int64     `json:"rootId" yaml:"rootId"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	CommandMode bool      `json:"commandMode,omitempty" yaml:"commandMode,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	// Preview is the beginning of the first user message on the newest branch.
	Preview string `json:"preview" yaml:"preview"`
}

// Title is the name of the thread, or its preview if it is unnamed.
func (t ThreadSummary) Title() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Preview
}

// ListThreads lists all threads, newest first.
func (m *Manager) ListThreads(ctx context.Context) ([]ThreadSummary, error) {
	roots, err := m.store.ListRoots(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list roots")
	}
	ret := make([]ThreadSummary, 0, len(roots))
	for _, r := range roots {
		t, err := m.store.GetThread(ctx, r.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "load thread %d", r.ID)
		}
		preview, err := m.preview(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		ret = append(ret, ThreadSummary{
			RootID:      r.ID,
			Name:        t.Name,
			CommandMode: t.CommandMode,
			CreatedAt:   r.CreatedAt,
			Preview:     preview,
		})
	}
	return ret, nil
}

func (m *Manager) preview(ctx context.Context, rootID int64) (string, error) {
	current := rootID
	// root, system prompt, first user message
	for i := 0; i < 3; i++ {
		children, err := m.store.ListChildren(ctx, current)
		if err != nil {
			return "", errors.Wrapf(err, "list children of %d", current)
		}
		if len(children) == 0 {
			return "", nil
		}
		c := children[len(children)-1]
		if c.Role == store.RoleUser {
			return truncate(strings.Join(strings.Fields(c.Content), " "), previewLength), nil
		}
		current = c.ID
	}
	return "", nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (m *Manager) updateThread(ctx context.Context, rootID int64, update func(t *store.Thread)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.store.GetThread(ctx, rootID)
	if err != nil {
		return errors.Wrapf(err, "load thread %d", rootID)
	}
	update(t)
	if err := m.store.UpsertThread(ctx, t); err != nil {
		return errors.Wrapf(err, "save thread %d", rootID)
	}
	if m.state.RootID() == rootID {
		m.state.Thread = t
	}
	return nil
}

// RenameThread sets the display name of a thread. It does not create a branch.
func (m *Manager) RenameThread(ctx context.Context, rootID int64, name string) error {
	return m.updateThread(ctx, rootID, func(t *store.Thread) {
		t.Name = strings.TrimSpace(name)
	})
}

// SetCommandMode toggles shell command extraction for the replies of a thread.
func (m *Manager) SetCommandMode(ctx context.Context, rootID int64, enabled bool) error {
	return m.updateThread(ctx, rootID, func(t *store.Thread) {
		t.CommandMode = enabled
	})
}

// DeleteThread cancels the running requests of a thread and removes it with
// all its messages. It returns the number of deleted messages.
func (m *Manager) DeleteThread(ctx context.Context, rootID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, h := range m.running {
		chain, err := m.store.Ancestors(ctx, id)
		if err != nil {
			continue
		}
		if len(chain) > 0 && chain[0].ID == rootID {
			h.Cancel()
		}
	}

	n, err := m.store.DeleteSubtree(ctx, rootID)
	if err != nil {
		return 0, errors.Wrapf(err, "delete thread %d", rootID)
	}
	if m.state.RootID() == rootID {
		m.state = nil
	}
	log.Info().Int64("root", rootID).Int64("messages", n).Msg("deleted thread")
	return n, nil
}

// SetBookmark marks a message. Bookmarks never create a branch.
func (m *Manager) SetBookmark(ctx context.Context, id int64, bookmarked bool, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.SetBookmark(ctx, id, bookmarked, note); err != nil {
		return errors.Wrapf(err, "bookmark %d", id)
	}
	if m.state == nil {
		return nil
	}
	for i := range m.state.Steps {
		for _, sib := range m.state.Steps[i].Siblings {
			if sib.ID == id {
				sib.Bookmarked = bookmarked
				sib.Note = note
			}
		}
	}
	return nil
}

func (m *Manager) ListBookmarks(ctx context.Context) ([]*store.Message, error) {
	return m.store.ListBookmarks(ctx)
}

func (m *Manager) SearchMessages(ctx context.Context, query string, limit int) ([]*store.Message, error) {
	return m.store.SearchMessages(ctx, query, limit)
}
