package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// MessageStore is the query surface the conversation tree needs.
type MessageStore interface {
	// InsertMessage inserts a message and returns it with its assigned id.
	InsertMessage(ctx context.Context, m NewMessage) (*Message, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	// ListChildren returns the children of parentID in creation order.
	ListChildren(ctx context.Context, parentID int64) ([]*Message, error)
	UpdateMessage(ctx context.Context, id int64, content string, status Status) error
	// DeleteSubtree removes a message and all its descendants, returning the number of removed messages.
	DeleteSubtree(ctx context.Context, id int64) (int64, error)
	// Ancestors returns the chain from the thread root down to id, inclusive.
	Ancestors(ctx context.Context, id int64) ([]*Message, error)
	// ListRoots returns thread roots, newest first.
	ListRoots(ctx context.Context) ([]*Message, error)
	SetBookmark(ctx context.Context, id int64, bookmarked bool, note string) error
	ListBookmarks(ctx context.Context) ([]*Message, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]*Message, error)
}

type ThreadStore interface {
	GetThread(ctx context.Context, rootID int64) (*Thread, error)
	UpsertThread(ctx context.Context, t *Thread) error
}

type ConfigStore interface {
	LoadConfig(ctx context.Context) (map[string]string, error)
	SetConfig(ctx context.Context, key string, value string) error
	DeleteConfig(ctx context.Context, key string) error
}

type UsageStore interface {
	InsertCompletionUsage(ctx context.Context, u CompletionUsage) error
	InsertTTSUsage(ctx context.Context, u TTSUsage) error
	InsertSTTUsage(ctx context.Context, u STTUsage) error
	// SumCompletionUsage aggregates completion usage created at or after since, grouped by model.
	// An empty model matches every model.
	SumCompletionUsage(ctx context.Context, since time.Time, model string) ([]TokenUsage, error)
	SumTTSUsage(ctx context.Context, since time.Time) ([]TTSAggregate, error)
	SumSTTUsage(ctx context.Context, since time.Time) ([]STTAggregate, error)
}

type AudioCacheStore interface {
	GetAudio(ctx context.Context, ssml string) ([]byte, bool, error)
	// PutAudio replaces any cached audio for ssml. A non-nil messageID ties the entry to that message.
	PutAudio(ctx context.Context, messageID *int64, ssml string, audio []byte) error
}

type Store interface {
	MessageStore
	ThreadStore
	ConfigStore
	UsageStore
	AudioCacheStore
	Close() error
}

func Int64Ptr(v int64) *int64 {
	return &v
}
