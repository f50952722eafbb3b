package conversation

import (
	"context"
	"strconv"

	"github.com/go-go-golems/branchchat/pkg/completion"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// completeLocked requests a reply to the last message of path. Anything that
// prevents the request from being sent ends up as a failed assistant message
// below path instead of an error; only store failures are returned.
func (m *Manager) completeLocked(ctx context.Context, path []int64) (*completion.Handle, error) {
	if m.completer == nil {
		return nil, ErrNoCompleter
	}
	settings := m.settings()
	parentID := path[len(path)-1]

	if m.ledger != nil {
		if err := m.ledger.CheckMonthlyBudget(ctx, settings.MonthlyBudget); err != nil {
			log.Warn().Err(err).Int64("parent", parentID).Msg("completion refused")
			return nil, m.appendFailedLocked(ctx, path, err.Error())
		}
	}

	chain, err := m.store.Ancestors(ctx, parentID)
	if err != nil {
		log.Warn().Err(err).Int64("parent", parentID).Msg("could not load prompt history")
		return nil, m.appendFailedLocked(ctx, path, errors.Wrapf(err, "load history of %d", parentID).Error())
	}
	messages := requestMessages(chain)

	messages, err = m.fitLocked(settings, messages)
	if err != nil {
		log.Warn().Err(err).Int64("parent", parentID).Msg("could not fit prompt")
		return nil, m.appendFailedLocked(ctx, path, err.Error())
	}

	reply, err := m.store.InsertMessage(ctx, store.NewMessage{
		ParentID: store.Int64Ptr(parentID),
		Role:     store.RoleAssistant,
		Status:   store.StatusPending,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create reply")
	}
	replyPath := append(append([]int64{}, path...), reply.ID)
	if err := m.reloadLocked(ctx, replyPath); err != nil {
		return nil, err
	}

	req := completion.Request{
		// a second request for the same parent supersedes the first
		Key:         strconv.FormatInt(parentID, 10),
		MessageID:   reply.ID,
		Model:       settings.Model,
		Messages:    messages,
		CommandMode: m.state.Thread.CommandMode,
	}
	h := m.completer.Start(ctx, req, &messageSink{manager: m, id: reply.ID})
	m.running[reply.ID] = h

	log.Debug().
		Int64("message", reply.ID).
		Str("model", settings.Model).
		Int("messages", len(messages)).
		Str("request", h.ID().String()).
		Msg("started completion")
	return h, nil
}

// fitLocked drops and truncates messages to the per message cost cap.
func (m *Manager) fitLocked(settings Settings, messages []tokens.Message) ([]tokens.Message, error) {
	if m.counter == nil || m.ledger == nil || settings.MaxCostPerMessage <= 0 {
		return messages, nil
	}
	price, err := m.ledger.PromptPricePerToken(settings.Model)
	if err != nil {
		log.Warn().Err(err).Str("model", settings.Model).Msg("no price for model, not limiting prompt size")
		return messages, nil
	}
	maxTokens, err := tokens.MaxTokens(settings.MaxCostPerMessage, price)
	if err != nil {
		return nil, err
	}
	return tokens.NewBudgeter(m.counter).Fit(settings.Model, messages, maxTokens)
}

func (m *Manager) appendFailedLocked(ctx context.Context, path []int64, content string) error {
	p, err := m.appendLocked(ctx, path, store.NewMessage{
		Role:    store.RoleAssistant,
		Content: content,
		Status:  store.StatusFailed,
	})
	if err != nil {
		return err
	}
	return m.reloadLocked(ctx, p)
}

// messageSink writes a streamed reply into its message and the visible path.
type messageSink struct {
	manager *Manager
	id      int64
}

var _ completion.Sink = (*messageSink)(nil)

func (s *messageSink) Partial(ctx context.Context, content string) error {
	return s.manager.writeReply(ctx, s.id, content, store.StatusPending)
}

func (s *messageSink) Finish(ctx context.Context, result *completion.Result) error {
	m := s.manager
	err := m.writeReply(ctx, s.id, result.Content, result.Status)

	m.mu.Lock()
	delete(m.running, s.id)
	m.mu.Unlock()

	if m.autosaveEnabled {
		if err := m.autosave(ctx, s.id); err != nil {
			log.Warn().Err(err).Int64("message", s.id).Msg("autosave failed")
		}
	}
	return err
}

func (m *Manager) writeReply(ctx context.Context, id int64, content string, status store.Status) error {
	if err := m.store.UpdateMessage(ctx, id, content, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// the thread was deleted while streaming
			log.Debug().Int64("message", id).Msg("reply message is gone")
			return nil
		}
		return errors.Wrapf(err, "write reply %d", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.updateMessage(id, content, status)
	return nil
}
