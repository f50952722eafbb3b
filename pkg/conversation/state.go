package conversation

import (
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/huandu/go-clone"
)

// Step is one level of the visible path: the message shown at that depth and
// the siblings it can be swapped with.
type Step struct {
	Message  *store.Message   `json:"message" yaml:"message"`
	Siblings []*store.Message `json:"siblings" yaml:"siblings"`
	// Index is the position of Message within Siblings.
	Index int `json:"index" yaml:"index"`
}

func (s Step) HasOlder() bool {
	return s.Index > 0
}

func (s Step) HasNewer() bool {
	return s.Index < len(s.Siblings)-1
}

// VisibleState is the root-to-leaf path currently shown for a thread.
// Steps[0] is always the thread root.
type VisibleState struct {
	Thread *store.Thread `json:"thread" yaml:"thread"`
	Steps  []Step        `json:"steps" yaml:"steps"`
}

// Entry is a displayable message of the visible path.
type Entry struct {
	Message      *store.Message
	Depth        int
	SiblingIndex int
	SiblingCount int
	// IsDefaultSystemPrompt marks the untouched system prompt a thread was started with.
	IsDefaultSystemPrompt bool
}

func (s *VisibleState) Path() []int64 {
	if s == nil {
		return nil
	}
	ret := make([]int64, 0, len(s.Steps))
	for _, step := range s.Steps {
		ret = append(ret, step.Message.ID)
	}
	return ret
}

func (s *VisibleState) RootID() int64 {
	if s == nil || len(s.Steps) == 0 {
		return 0
	}
	return s.Steps[0].Message.ID
}

func (s *VisibleState) Leaf() *store.Message {
	if s == nil || len(s.Steps) == 0 {
		return nil
	}
	return s.Steps[len(s.Steps)-1].Message
}

// Entries lists the visible messages without the synthetic root.
func (s *VisibleState) Entries() []Entry {
	if s == nil {
		return nil
	}
	ret := []Entry{}
	for depth, step := range s.Steps {
		if step.Message.IsRoot() {
			continue
		}
		defaultPrompt := depth == 1 && step.Message.Role == store.RoleSystem && len(step.Siblings) == 1
		ret = append(ret, Entry{
			Message:               step.Message,
			Depth:                 depth,
			SiblingIndex:          step.Index,
			SiblingCount:          len(step.Siblings),
			IsDefaultSystemPrompt: defaultPrompt,
		})
	}
	return ret
}

// RequestMessages turns the visible path into the message list sent to a
// backend. The root and empty messages are skipped.
func (s *VisibleState) RequestMessages() []tokens.Message {
	if s == nil {
		return nil
	}
	msgs := make([]*store.Message, 0, len(s.Steps))
	for _, step := range s.Steps {
		msgs = append(msgs, step.Message)
	}
	return requestMessages(msgs)
}

func requestMessages(msgs []*store.Message) []tokens.Message {
	ret := []tokens.Message{}
	for _, m := range msgs {
		if m.IsRoot() || m.Content == "" {
			continue
		}
		ret = append(ret, tokens.Message{Role: string(m.Role), Content: m.Content})
	}
	return ret
}

// Clone returns a deep copy that can be handed out without holding any lock.
func (s *VisibleState) Clone() *VisibleState {
	if s == nil {
		return nil
	}
	return clone.Clone(s).(*VisibleState)
}

// updateMessage patches a message of the path in place. It returns false if
// id is not visible.
func (s *VisibleState) updateMessage(id int64, content string, status store.Status) bool {
	if s == nil {
		return false
	}
	found := false
	for i := range s.Steps {
		step := &s.Steps[i]
		for _, sib := range step.Siblings {
			if sib.ID == id {
				sib.Content = content
				sib.Status = status
				found = true
			}
		}
		if step.Message.ID == id {
			step.Message.Content = content
			step.Message.Status = status
			found = true
		}
	}
	return found
}
