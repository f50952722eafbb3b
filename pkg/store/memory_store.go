package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore keeps everything in process memory. It backs tests and
// ephemeral sessions and follows the same ordering rules as SQLiteStore.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]*Message
	children map[int64][]int64
	threads  map[int64]*Thread
	config   map[string]string
	usage    []CompletionUsage
	tts      []TTSUsage
	stt      []STTUsage
	audio    map[string]audioEntry
	closed   bool
}

type audioEntry struct {
	messageID *int64
	audio     []byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		messages: map[int64]*Message{},
		children: map[int64][]int64{},
		threads:  map[int64]*Thread{},
		config:   map[string]string{},
		audio:    map[string]audioEntry{},
	}
}

func now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

func (s *MemoryStore) InsertMessage(ctx context.Context, m NewMessage) (*Message, error) {
	if err := validateNewMessage(m); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if m.ParentID != nil {
		if _, ok := s.messages[*m.ParentID]; !ok {
			return nil, errors.Wrapf(ErrNotFound, "parent message %d", *m.ParentID)
		}
	}

	ts := now()
	msg := &Message{
		ID:         s.nextID,
		Role:       m.Role,
		Content:    m.Content,
		Status:     m.Status,
		CreatedAt:  ts,
		ModifiedAt: ts,
	}
	if m.ParentID != nil {
		msg.ParentID = Int64Ptr(*m.ParentID)
		s.children[*m.ParentID] = append(s.children[*m.ParentID], msg.ID)
	}
	s.nextID++
	s.messages[msg.ID] = msg

	return msg.Clone(), nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, parentID int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ret := []*Message{}
	for _, id := range s.children[parentID] {
		ret = append(ret, s.messages[id].Clone())
	}
	return ret, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id int64, content string, status Status) error {
	if !status.Valid() {
		return errors.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "message %d", id)
	}
	m.Content = content
	m.Status = status
	m.ModifiedAt = now()
	return nil
}

func (s *MemoryStore) DeleteSubtree(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "message %d", id)
	}

	removed := map[int64]struct{}{}
	queue := []int64{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		removed[cur] = struct{}{}
		queue = append(queue, s.children[cur]...)
	}
	for rid := range removed {
		delete(s.messages, rid)
		delete(s.children, rid)
		delete(s.threads, rid)
	}
	if m.ParentID != nil {
		siblings := s.children[*m.ParentID]
		kept := siblings[:0]
		for _, sid := range siblings {
			if sid != id {
				kept = append(kept, sid)
			}
		}
		s.children[*m.ParentID] = kept
	}
	for key, entry := range s.audio {
		if entry.messageID == nil {
			continue
		}
		if _, ok := removed[*entry.messageID]; ok {
			delete(s.audio, key)
		}
	}

	return int64(len(removed)), nil
}

func (s *MemoryStore) Ancestors(ctx context.Context, id int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ret := []*Message{}
	cur, ok := s.messages[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	for {
		ret = append(ret, cur.Clone())
		if cur.ParentID == nil {
			break
		}
		cur = s.messages[*cur.ParentID]
	}
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret, nil
}

func (s *MemoryStore) ListRoots(ctx context.Context) ([]*Message, error) {
	return s.filter(func(m *Message) bool { return m.ParentID == nil }, true, 0)
}

func (s *MemoryStore) SetBookmark(ctx context.Context, id int64, bookmarked bool, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "message %d", id)
	}
	m.Bookmarked = bookmarked
	m.Note = note
	return nil
}

func (s *MemoryStore) ListBookmarks(ctx context.Context) ([]*Message, error) {
	return s.filter(func(m *Message) bool { return m.Bookmarked }, false, 0)
}

func (s *MemoryStore) SearchMessages(ctx context.Context, query string, limit int) ([]*Message, error) {
	q := strings.ToLower(query)
	if q == "" {
		return []*Message{}, nil
	}
	return s.filter(func(m *Message) bool {
		return m.ParentID != nil && strings.Contains(strings.ToLower(m.Content), q)
	}, true, normalizeLimit(limit))
}

func (s *MemoryStore) filter(keep func(m *Message) bool, newestFirst bool, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ret := []*Message{}
	for _, m := range s.messages {
		if keep(m) {
			ret = append(ret, m.Clone())
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		if newestFirst {
			return ret[i].ID > ret[j].ID
		}
		return ret[i].ID < ret[j].ID
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (s *MemoryStore) GetThread(ctx context.Context, rootID int64) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	root, ok := s.messages[rootID]
	if !ok || root.ParentID != nil {
		return nil, errors.Wrapf(ErrNotFound, "thread %d", rootID)
	}
	if t, ok := s.threads[rootID]; ok {
		ret := *t
		ret.CreatedAt = root.CreatedAt
		return &ret, nil
	}
	return &Thread{RootID: rootID, CreatedAt: root.CreatedAt}, nil
}

func (s *MemoryStore) UpsertThread(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	root, ok := s.messages[t.RootID]
	if !ok || root.ParentID != nil {
		return errors.Wrapf(ErrNotFound, "thread %d", t.RootID)
	}
	cp := *t
	s.threads[t.RootID] = &cp
	return nil
}

func (s *MemoryStore) LoadConfig(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ret := make(map[string]string, len(s.config))
	for k, v := range s.config {
		ret[k] = v
	}
	return ret, nil
}

func (s *MemoryStore) SetConfig(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.config[key] = value
	return nil
}

func (s *MemoryStore) DeleteConfig(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.config, key)
	return nil
}

func (s *MemoryStore) InsertCompletionUsage(ctx context.Context, u CompletionUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	s.usage = append(s.usage, u)
	return nil
}

func (s *MemoryStore) InsertTTSUsage(ctx context.Context, u TTSUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	s.tts = append(s.tts, u)
	return nil
}

func (s *MemoryStore) InsertSTTUsage(ctx context.Context, u STTUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	s.stt = append(s.stt, u)
	return nil
}

func (s *MemoryStore) SumCompletionUsage(ctx context.Context, since time.Time, model string) ([]TokenUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	byModel := map[string]*TokenUsage{}
	for _, u := range s.usage {
		if u.CreatedAt.Before(since) || (model != "" && u.Model != model) {
			continue
		}
		agg, ok := byModel[u.Model]
		if !ok {
			agg = &TokenUsage{Model: u.Model}
			byModel[u.Model] = agg
		}
		agg.PromptTokens += int64(u.PromptTokens)
		agg.CompletionTokens += int64(u.CompletionTokens)
		agg.Requests++
	}
	ret := []TokenUsage{}
	for _, agg := range byModel {
		ret = append(ret, *agg)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Model < ret[j].Model })
	return ret, nil
}

func (s *MemoryStore) SumTTSUsage(ctx context.Context, since time.Time) ([]TTSAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	byRegion := map[string]*TTSAggregate{}
	for _, u := range s.tts {
		if u.CreatedAt.Before(since) {
			continue
		}
		agg, ok := byRegion[u.Region]
		if !ok {
			agg = &TTSAggregate{Region: u.Region}
			byRegion[u.Region] = agg
		}
		agg.Characters += int64(u.Characters)
		agg.Requests++
	}
	ret := []TTSAggregate{}
	for _, agg := range byRegion {
		ret = append(ret, *agg)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Region < ret[j].Region })
	return ret, nil
}

func (s *MemoryStore) SumSTTUsage(ctx context.Context, since time.Time) ([]STTAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	byModel := map[string]*STTAggregate{}
	for _, u := range s.stt {
		if u.CreatedAt.Before(since) {
			continue
		}
		agg, ok := byModel[u.Model]
		if !ok {
			agg = &STTAggregate{Model: u.Model}
			byModel[u.Model] = agg
		}
		agg.DurationMs += u.DurationMs
		agg.Requests++
	}
	ret := []STTAggregate{}
	for _, agg := range byModel {
		ret = append(ret, *agg)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Model < ret[j].Model })
	return ret, nil
}

func (s *MemoryStore) GetAudio(ctx context.Context, ssml string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	entry, ok := s.audio[ssml]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.audio...), true, nil
}

func (s *MemoryStore) PutAudio(ctx context.Context, messageID *int64, ssml string, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	entry := audioEntry{audio: append([]byte(nil), audio...)}
	if messageID != nil {
		if _, ok := s.messages[*messageID]; !ok {
			return errors.Wrapf(ErrNotFound, "message %d", *messageID)
		}
		entry.messageID = Int64Ptr(*messageID)
	}
	s.audio[ssml] = entry
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func validateNewMessage(m NewMessage) error {
	if !m.Role.Valid() {
		return errors.Errorf("invalid role %q", m.Role)
	}
	if !m.Status.Valid() {
		return errors.Errorf("invalid status %q", m.Status)
	}
	if m.Role == RoleRoot && m.ParentID != nil {
		return errors.New("root messages cannot have a parent")
	}
	if m.Role != RoleRoot && m.ParentID == nil {
		return errors.Errorf("%s message needs a parent", m.Role)
	}
	return nil
}

const defaultSearchLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	return limit
}
