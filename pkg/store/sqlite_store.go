package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// migrations are applied in order; the index of the last applied entry is kept in user_version.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id INTEGER REFERENCES messages(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'complete',
    bookmarked INTEGER NOT NULL DEFAULT 0,
    note TEXT NOT NULL DEFAULT '',
    created_at_ms INTEGER NOT NULL,
    modified_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);

CREATE TABLE IF NOT EXISTS threads (
    root_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
    name TEXT NOT NULL DEFAULT '',
    command_mode INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS completion_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completion_usage_created ON completion_usage(created_at_ms);

CREATE TABLE IF NOT EXISTS tts_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    region TEXT NOT NULL,
    characters INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stt_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS tts_cache (
    ssml TEXT PRIMARY KEY,
    message_id INTEGER REFERENCES messages(id) ON DELETE CASCADE,
    audio BLOB NOT NULL
);
`,
}

const messageColumns = `id, parent_id, role, content, status, bookmarked, note, created_at_ms, modified_at_ms`

// SQLiteStore persists the conversation forest, config, usage and audio cache in SQLite.
type SQLiteStore struct {
	mu     sync.RWMutex
	dsn    string
	db     *sql.DB
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	// a single connection keeps PRAGMAs and transactions on the same handle
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		dsn: dsn,
		db:  db,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "sqlite store: enable foreign keys")
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.Wrap(err, "sqlite store: read schema version")
	}

	for i := version; i < len(migrations); i++ {
		log.Debug().Int("version", i+1).Str("dsn", s.dsn).Msg("applying sqlite migration")
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "sqlite store: migration %d", i+1)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errors.Wrapf(err, "sqlite store: set schema version %d", i+1)
		}
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	if s.db == nil {
		return errors.New("sqlite store db is nil")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		parentID   sql.NullInt64
		role       string
		status     string
		bookmarked int
		createdMs  int64
		modifiedMs int64
	)
	if err := row.Scan(&m.ID, &parentID, &role, &m.Content, &status, &bookmarked, &m.Note, &createdMs, &modifiedMs); err != nil {
		return nil, err
	}
	if parentID.Valid {
		m.ParentID = Int64Ptr(parentID.Int64)
	}
	m.Role = Role(role)
	m.Status = Status(status)
	m.Bookmarked = bookmarked != 0
	m.CreatedAt = time.UnixMilli(createdMs)
	m.ModifiedAt = time.UnixMilli(modifiedMs)
	return &m, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []*Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, m NewMessage) (*Message, error) {
	if err := validateNewMessage(m); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var parentID interface{}
	if m.ParentID != nil {
		parentID = *m.ParentID
	}
	ts := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (parent_id, role, content, status, created_at_ms, modified_at_ms)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING `+messageColumns,
		parentID, string(m.Role), m.Content, string(m.Status), ts, ts,
	)
	ret, err := scanMessage(row)
	if err != nil {
		if m.ParentID != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, errors.Wrapf(ErrNotFound, "parent message %d", *m.ParentID)
		}
		return nil, errors.Wrap(err, "insert message")
	}
	return ret, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get message %d", id)
	}
	return m, nil
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentID int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE parent_id = ? ORDER BY id ASC`, parentID)
	if err != nil {
		return nil, errors.Wrapf(err, "list children of %d", parentID)
	}
	return ret, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id int64, content string, status Status) error {
	if !status.Valid() {
		return errors.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, status = ?, modified_at_ms = ? WHERE id = ?`,
		content, string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return errors.Wrapf(err, "update message %d", id)
	}
	return expectAffected(res, "message", id)
}

const subtreeCTE = `WITH RECURSIVE subtree(id) AS (
    SELECT id FROM messages WHERE id = ?
    UNION ALL
    SELECT m.id FROM messages m JOIN subtree s ON m.parent_id = s.id
)`

func (s *SQLiteStore) DeleteSubtree(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin delete")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var count int64
	if err := tx.QueryRowContext(ctx, subtreeCTE+` SELECT COUNT(*) FROM subtree`, id).Scan(&count); err != nil {
		return 0, errors.Wrapf(err, "count subtree of %d", id)
	}
	if count == 0 {
		return 0, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	if _, err := tx.ExecContext(ctx, subtreeCTE+` DELETE FROM messages WHERE id IN (SELECT id FROM subtree)`, id); err != nil {
		return 0, errors.Wrapf(err, "delete subtree of %d", id)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit delete")
	}
	return count, nil
}

func (s *SQLiteStore) Ancestors(ctx context.Context, id int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret, err := s.queryMessages(ctx, `WITH RECURSIVE chain(id, parent_id, depth) AS (
    SELECT id, parent_id, 0 FROM messages WHERE id = ?
    UNION ALL
    SELECT m.id, m.parent_id, c.depth + 1 FROM messages m JOIN chain c ON m.id = c.parent_id
)
SELECT `+prefixed("m.", messageColumns)+` FROM chain c JOIN messages m ON m.id = c.id ORDER BY c.depth DESC`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "ancestors of %d", id)
	}
	if len(ret) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	return ret, nil
}

func (s *SQLiteStore) ListRoots(ctx context.Context) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE parent_id IS NULL ORDER BY id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list roots")
	}
	return ret, nil
}

func (s *SQLiteStore) SetBookmark(ctx context.Context, id int64, bookmarked bool, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET bookmarked = ?, note = ? WHERE id = ?`,
		boolToInt(bookmarked), note, id)
	if err != nil {
		return errors.Wrapf(err, "bookmark message %d", id)
	}
	return expectAffected(res, "message", id)
}

func (s *SQLiteStore) ListBookmarks(ctx context.Context) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE bookmarked != 0 ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list bookmarks")
	}
	return ret, nil
}

func (s *SQLiteStore) SearchMessages(ctx context.Context, query string, limit int) ([]*Message, error) {
	if query == "" {
		return []*Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ret, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
WHERE parent_id IS NOT NULL AND content LIKE ? ESCAPE '\'
ORDER BY id DESC LIMIT ?`,
		"%"+escapeLike(query)+"%", normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrapf(err, "search %q", query)
	}
	return ret, nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, rootID int64) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var (
		createdMs   int64
		name        string
		commandMode int
	)
	err := s.db.QueryRowContext(ctx, `SELECT m.created_at_ms, COALESCE(t.name, ''), COALESCE(t.command_mode, 0)
FROM messages m LEFT JOIN threads t ON t.root_id = m.id
WHERE m.id = ? AND m.parent_id IS NULL`, rootID).Scan(&createdMs, &name, &commandMode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "thread %d", rootID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get thread %d", rootID)
	}
	return &Thread{
		RootID:      rootID,
		Name:        name,
		CommandMode: commandMode != 0,
		CreatedAt:   time.UnixMilli(createdMs),
	}, nil
}

func (s *SQLiteStore) UpsertThread(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	var isRoot int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ? AND parent_id IS NULL`, t.RootID).Scan(&isRoot)
	if err != nil {
		return errors.Wrapf(err, "lookup thread %d", t.RootID)
	}
	if isRoot == 0 {
		return errors.Wrapf(ErrNotFound, "thread %d", t.RootID)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO threads (root_id, name, command_mode) VALUES (?, ?, ?)
ON CONFLICT(root_id) DO UPDATE SET name = excluded.name, command_mode = excluded.command_mode`,
		t.RootID, t.Name, boolToInt(t.CommandMode))
	if err != nil {
		return errors.Wrapf(err, "upsert thread %d", t.RootID)
	}
	return nil
}

func (s *SQLiteStore) LoadConfig(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config ORDER BY key ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		ret[k] = v
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO config (key, value, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "set config %s", key)
	}
	return nil
}

func (s *SQLiteStore) DeleteConfig(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	return errors.Wrapf(err, "delete config %s", key)
}

func createdAtMs(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func (s *SQLiteStore) InsertCompletionUsage(ctx context.Context, u CompletionUsage) error {
	return s.exec(ctx, "insert completion usage",
		`INSERT INTO completion_usage (model, prompt_tokens, completion_tokens, created_at_ms) VALUES (?, ?, ?, ?)`,
		u.Model, u.PromptTokens, u.CompletionTokens, createdAtMs(u.CreatedAt))
}

func (s *SQLiteStore) InsertTTSUsage(ctx context.Context, u TTSUsage) error {
	return s.exec(ctx, "insert tts usage",
		`INSERT INTO tts_usage (region, characters, created_at_ms) VALUES (?, ?, ?)`,
		u.Region, u.Characters, createdAtMs(u.CreatedAt))
}

func (s *SQLiteStore) InsertSTTUsage(ctx context.Context, u STTUsage) error {
	return s.exec(ctx, "insert stt usage",
		`INSERT INTO stt_usage (model, duration_ms, created_at_ms) VALUES (?, ?, ?)`,
		u.Model, u.DurationMs, createdAtMs(u.CreatedAt))
}

func (s *SQLiteStore) exec(ctx context.Context, what string, query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, what)
	}
	return nil
}

func (s *SQLiteStore) SumCompletionUsage(ctx context.Context, since time.Time, model string) ([]TokenUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT model, SUM(prompt_tokens), SUM(completion_tokens), COUNT(*)
FROM completion_usage
WHERE created_at_ms >= ? AND (? = '' OR model = ?)
GROUP BY model ORDER BY model ASC`, since.UnixMilli(), model, model)
	if err != nil {
		return nil, errors.Wrap(err, "sum completion usage")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []TokenUsage{}
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.Model, &u.PromptTokens, &u.CompletionTokens, &u.Requests); err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) SumTTSUsage(ctx context.Context, since time.Time) ([]TTSAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT region, SUM(characters), COUNT(*)
FROM tts_usage WHERE created_at_ms >= ? GROUP BY region ORDER BY region ASC`, since.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "sum tts usage")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []TTSAggregate{}
	for rows.Next() {
		var u TTSAggregate
		if err := rows.Scan(&u.Region, &u.Characters, &u.Requests); err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) SumSTTUsage(ctx context.Context, since time.Time) ([]STTAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT model, SUM(duration_ms), COUNT(*)
FROM stt_usage WHERE created_at_ms >= ? GROUP BY model ORDER BY model ASC`, since.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "sum stt usage")
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []STTAggregate{}
	for rows.Next() {
		var u STTAggregate
		if err := rows.Scan(&u.Model, &u.DurationMs, &u.Requests); err != nil {
			return nil, err
		}
		ret = append(ret, u)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) GetAudio(ctx context.Context, ssml string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}
	var audio []byte
	err := s.db.QueryRowContext(ctx, `SELECT audio FROM tts_cache WHERE ssml = ?`, ssml).Scan(&audio)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get cached audio")
	}
	return audio, true, nil
}

func (s *SQLiteStore) PutAudio(ctx context.Context, messageID *int64, ssml string, audio []byte) error {
	var mid interface{}
	if messageID != nil {
		mid = *messageID
	}
	err := s.exec(ctx, "put cached audio",
		`INSERT OR REPLACE INTO tts_cache (ssml, message_id, audio) VALUES (?, ?, ?)`,
		ssml, mid, audio)
	if err != nil && messageID != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return errors.Wrapf(ErrNotFound, "message %d", *messageID)
	}
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func expectAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %d", what, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func prefixed(prefix string, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
