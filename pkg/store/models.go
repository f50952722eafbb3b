package store

import (
	"time"
)

type Role string

const (
	RoleRoot      Role = "root"
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleRoot, RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Message is a single node of the conversation forest.
// A nil ParentID marks the synthetic root of a thread.
type Message struct {
	ID         int64     `json:"id" yaml:"id"`
	ParentID   *int64    `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Role       Role      `json:"role" yaml:"role"`
	Content    string    `json:"content" yaml:"content"`
	Status     Status    `json:"status" yaml:"status"`
	Bookmarked bool      `json:"bookmarked,omitempty" yaml:"bookmarked,omitempty"`
	Note       string    `json:"note,omitempty" yaml:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt" yaml:"modifiedAt"`
}

func (m *Message) IsRoot() bool {
	return m.ParentID == nil
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	ret := *m
	if m.ParentID != nil {
		p := *m.ParentID
		ret.ParentID = &p
	}
	return &ret
}

// NewMessage is the insert payload. ID and timestamps are assigned by the store.
type NewMessage struct {
	ParentID *int64
	Role     Role
	Content  string
	Status   Status
}

// Thread carries the per-thread settings kept next to a root message.
type Thread struct {
	RootID      int64     `json:"rootId" yaml:"rootId"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	CommandMode bool      `json:"commandMode,omitempty" yaml:"commandMode,omitempty"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
}

type CompletionUsage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

type TTSUsage struct {
	Region     string
	Characters int
	CreatedAt  time.Time
}

type STTUsage struct {
	Model      string
	DurationMs int64
	CreatedAt  time.Time
}

// TokenUsage is a per-model aggregate of completion usage rows.
type TokenUsage struct {
	Model            string `json:"model" yaml:"model"`
	PromptTokens     int64  `json:"promptTokens" yaml:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens" yaml:"completionTokens"`
	Requests         int64  `json:"requests" yaml:"requests"`
}

func (t TokenUsage) TotalTokens() int64 {
	return t.PromptTokens + t.CompletionTokens
}

type TTSAggregate struct {
	Region     string `json:"region" yaml:"region"`
	Characters int64  `json:"characters" yaml:"characters"`
	Requests   int64  `json:"requests" yaml:"requests"`
}

type STTAggregate struct {
	Model      string `json:"model" yaml:"model"`
	DurationMs int64  `json:"durationMs" yaml:"durationMs"`
	Requests   int64  `json:"requests" yaml:"requests"`
}
