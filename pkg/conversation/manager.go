package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoThreadSelected = errors.New("no thread selected")
	ErrDepthOutOfRange  = errors.New("depth out of range")
	ErrEmptyPath        = errors.New("empty path")
	ErrNoCompleter      = errors.New("no completion backend configured")
)

type Direction int

const (
	Older Direction = -1
	Newer Direction = 1
)

// Store is the part of the persistence layer the manager needs.
type Store interface {
	store.MessageStore
	store.ThreadStore
}

// Completer runs streamed completions. *completion.Orchestrator implements it.
type Completer interface {
	Start(ctx context.Context, req completion.Request, sink completion.Sink) *completion.Handle
	StopAll()
}

// Ledger gates completions on spend. *usage.Ledger implements it.
type Ledger interface {
	CheckMonthlyBudget(ctx context.Context, budget float64) error
	PromptPricePerToken(model string) (float64, error)
}

// Settings are re-read before every completion so that configuration
// changes apply to the next request.
type Settings struct {
	Model string
	// MonthlyBudget in USD, <= 0 disables the monthly check.
	MonthlyBudget float64
	// MaxCostPerMessage in USD caps the prompt size of a single request, <= 0 disables it.
	MaxCostPerMessage    float64
	SystemPromptTemplate string
}

// Manager owns the visible path of the selected thread and all mutations of
// the conversation forest. Every mutation is persisted first and then
// followed by a reload of the visible path.
type Manager struct {
	store     Store
	completer Completer
	ledger    Ledger
	counter   tokens.Counter
	settings  func() Settings
	now       func() time.Time

	autosaveEnabled bool
	autosaveFormat  string
	autosaveDir     string

	mu      sync.Mutex
	state   *VisibleState
	running map[int64]*completion.Handle
}

type ManagerOption func(*Manager)

func WithLedger(ledger Ledger) ManagerOption {
	return func(m *Manager) {
		m.ledger = ledger
	}
}

// WithCounter enables prompt truncation to the per message cost cap.
func WithCounter(counter tokens.Counter) ManagerOption {
	return func(m *Manager) {
		m.counter = counter
	}
}

func WithSettings(settings func() Settings) ManagerOption {
	return func(m *Manager) {
		m.settings = settings
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager. A nil completer gives a manager that can
// browse and edit threads but fails every request for a reply.
func NewManager(s Store, completer Completer, options ...ManagerOption) *Manager {
	ret := &Manager{
		store:     s,
		completer: completer,
		settings: func() Settings {
			return Settings{Model: "gpt-3.5-turbo"}
		},
		now:     time.Now,
		running: map[int64]*completion.Handle{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// State returns a copy of the visible path, or nil if no thread is selected.
func (m *Manager) State() *VisibleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Reload rebuilds the visible path from the store. The given path is followed
// as far as it exists; below it the newest child is selected at every level.
// An empty path deselects the current thread and yields an empty state.
func (m *Manager) Reload(ctx context.Context, path []int64) (*VisibleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(path) == 0 {
		m.state = nil
		return &VisibleState{}, nil
	}
	if err := m.reloadLocked(ctx, path); err != nil {
		return nil, err
	}
	return m.state.Clone(), nil
}

// Refresh reloads the current path.
func (m *Manager) Refresh(ctx context.Context) (*VisibleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	if err := m.reloadLocked(ctx, m.state.Path()); err != nil {
		return nil, err
	}
	return m.state.Clone(), nil
}

// Clear deselects the current thread. The next Send starts a new thread.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
}

func (m *Manager) reloadLocked(ctx context.Context, path []int64) error {
	s, err := m.walk(ctx, path)
	if err != nil {
		return err
	}
	m.state = s
	return nil
}

// walk builds a visible path without touching the manager state.
func (m *Manager) walk(ctx context.Context, path []int64) (*VisibleState, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	root, err := m.store.GetMessage(ctx, path[0])
	if err != nil {
		return nil, errors.Wrapf(err, "load root %d", path[0])
	}
	if !root.IsRoot() {
		return nil, errors.Errorf("message %d is not a thread root", root.ID)
	}
	thread, err := m.store.GetThread(ctx, root.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "load thread %d", root.ID)
	}

	ret := &VisibleState{
		Thread: thread,
		Steps:  []Step{{Message: root, Siblings: []*store.Message{root}}},
	}
	current := root
	for depth := 1; ; depth++ {
		children, err := m.store.ListChildren(ctx, current.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "list children of %d", current.ID)
		}
		if len(children) == 0 {
			break
		}
		idx := len(children) - 1
		if depth < len(path) {
			for i, c := range children {
				if c.ID == path[depth] {
					idx = i
					break
				}
			}
		}
		ret.Steps = append(ret.Steps, Step{Message: children[idx], Siblings: children, Index: idx})
		current = children[idx]
	}

	log.Trace().Int64("root", root.ID).Int("depth", len(ret.Steps)).Msg("reloaded visible path")
	return ret, nil
}

// AppendMessage adds a message below the last element of parentPath and
// selects the resulting path. An empty parentPath starts a new thread: a
// root alone for RoleRoot, otherwise root, default system prompt (unless the
// message is itself a system prompt) and the message.
func (m *Manager) AppendMessage(ctx context.Context, parentPath []int64, msg store.NewMessage) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, err := m.appendLocked(ctx, parentPath, msg)
	if err != nil {
		return nil, err
	}
	if err := m.reloadLocked(ctx, path); err != nil {
		return nil, err
	}
	return path, nil
}

func (m *Manager) appendLocked(ctx context.Context, parentPath []int64, msg store.NewMessage) ([]int64, error) {
	if msg.Status == "" {
		msg.Status = store.StatusComplete
	}
	if len(parentPath) == 0 {
		return m.newThreadLocked(ctx, msg)
	}

	parentID := parentPath[len(parentPath)-1]
	msg.ParentID = store.Int64Ptr(parentID)
	inserted, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, errors.Wrapf(err, "append to %d", parentID)
	}
	ret := make([]int64, 0, len(parentPath)+1)
	ret = append(ret, parentPath...)
	return append(ret, inserted.ID), nil
}

func (m *Manager) newThreadLocked(ctx context.Context, msg store.NewMessage) ([]int64, error) {
	root, err := m.store.InsertMessage(ctx, store.NewMessage{Role: store.RoleRoot, Status: store.StatusComplete})
	if err != nil {
		return nil, errors.Wrap(err, "create root")
	}
	path := []int64{root.ID}
	if msg.Role == store.RoleRoot {
		return path, nil
	}

	if msg.Role != store.RoleSystem {
		prompt, err := RenderSystemPrompt(m.settings().SystemPromptTemplate, m.now())
		if err != nil {
			return nil, err
		}
		sys, err := m.store.InsertMessage(ctx, store.NewMessage{
			ParentID: store.Int64Ptr(root.ID),
			Role:     store.RoleSystem,
			Content:  prompt,
			Status:   store.StatusComplete,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create system prompt")
		}
		path = append(path, sys.ID)
	}

	msg.ParentID = store.Int64Ptr(path[len(path)-1])
	inserted, err := m.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, errors.Wrap(err, "create first message")
	}
	return append(path, inserted.ID), nil
}

// SelectSibling swaps the message shown at depth for its older or newer
// sibling. At the ends of the sibling list it does nothing.
func (m *Manager) SelectSibling(ctx context.Context, depth int, dir Direction) (*VisibleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNoThreadSelected
	}
	if depth < 0 || depth >= len(m.state.Steps) {
		return nil, errors.Wrapf(ErrDepthOutOfRange, "depth %d", depth)
	}
	step := m.state.Steps[depth]
	idx := step.Index + int(dir)
	if idx < 0 || idx >= len(step.Siblings) {
		return m.state.Clone(), nil
	}
	path := m.state.Path()[:depth]
	path = append(path, step.Siblings[idx].ID)
	if err := m.reloadLocked(ctx, path); err != nil {
		return nil, err
	}
	return m.state.Clone(), nil
}

// OpenMessage selects the thread of id with the path leading to it.
func (m *Manager) OpenMessage(ctx context.Context, id int64) (*VisibleState, error) {
	chain, err := m.store.Ancestors(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "ancestors of %d", id)
	}
	path := make([]int64, 0, len(chain))
	for _, c := range chain {
		path = append(path, c.ID)
	}
	return m.Reload(ctx, path)
}

// Send appends a user message to the leaf of the visible path and requests a
// reply. Without a selected thread it starts a new one.
func (m *Manager) Send(ctx context.Context, content string) (*completion.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := store.NewMessage{Role: store.RoleUser, Content: content, Status: store.StatusComplete}
	path, err := m.appendLocked(ctx, m.state.Path(), msg)
	if err != nil {
		return nil, err
	}
	return m.completeLocked(ctx, path)
}

type ThreadOption func(*store.Thread)

func WithThreadName(name string) ThreadOption {
	return func(t *store.Thread) {
		t.Name = name
	}
}

func WithCommandMode(enabled bool) ThreadOption {
	return func(t *store.Thread) {
		t.CommandMode = enabled
	}
}

// StartThread creates a new thread from content and requests the first reply.
func (m *Manager) StartThread(ctx context.Context, content string, options ...ThreadOption) (*completion.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, err := m.newThreadLocked(ctx, store.NewMessage{Role: store.RoleUser, Content: content, Status: store.StatusComplete})
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		t, err := m.store.GetThread(ctx, path[0])
		if err != nil {
			return nil, errors.Wrap(err, "load new thread")
		}
		for _, o := range options {
			o(t)
		}
		if err := m.store.UpsertThread(ctx, t); err != nil {
			return nil, errors.Wrap(err, "save new thread")
		}
	}
	return m.completeLocked(ctx, path)
}

// EditMessage adds an edited copy of the message at depth as a new sibling,
// keeping the original. Editing a user message requests a new reply below the
// copy. It returns a nil handle for other roles.
func (m *Manager) EditMessage(ctx context.Context, depth int, content string) (*completion.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNoThreadSelected
	}
	if depth < 1 || depth >= len(m.state.Steps) {
		return nil, errors.Wrapf(ErrDepthOutOfRange, "depth %d", depth)
	}
	orig := m.state.Steps[depth].Message
	path, err := m.appendLocked(ctx, m.state.Path()[:depth], store.NewMessage{
		Role:    orig.Role,
		Content: content,
		Status:  store.StatusComplete,
	})
	if err != nil {
		return nil, err
	}
	if orig.Role != store.RoleUser {
		return nil, m.reloadLocked(ctx, path)
	}
	return m.completeLocked(ctx, path)
}

// Regenerate requests a new reply as a sibling of the assistant message at depth.
func (m *Manager) Regenerate(ctx context.Context, depth int) (*completion.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNoThreadSelected
	}
	if depth < 1 || depth >= len(m.state.Steps) {
		return nil, errors.Wrapf(ErrDepthOutOfRange, "depth %d", depth)
	}
	if m.state.Steps[depth].Message.Role != store.RoleAssistant {
		return nil, errors.Errorf("message at depth %d is not an assistant reply", depth)
	}
	return m.completeLocked(ctx, m.state.Path()[:depth])
}

// Stop cancels the running request writing messageID.
func (m *Manager) Stop(messageID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.running[messageID]
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

func (m *Manager) StopAll() {
	if m.completer != nil {
		m.completer.StopAll()
	}
}

// Running returns the ids of messages that are still being written.
func (m *Manager) Running() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]int64, 0, len(m.running))
	for id := range m.running {
		ret = append(ret, id)
	}
	return ret
}
