package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/atrium/internal/auth"
	"github.com/nugget/atrium/internal/composer"
	"github.com/nugget/atrium/internal/database"
)

// Store is a SQLite-backed conversation store. Every method checks that
// the conversation belongs to the calling principal.
type Store struct {
	db          *sql.DB
	titleLength int
	now         func() time.Time
}

// NewStore wraps db and creates the schema if needed.
func NewStore(db *sql.DB, titleLength int) (*Store, error) {
	if titleLength <= 0 {
		titleLength = DefaultTitleLength
	}
	s := &Store{db: db, titleLength: titleLength, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	return database.Exec(s.db, `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		org_id     TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		title_set  INTEGER NOT NULL DEFAULT 0,
		messages   TEXT NOT NULL DEFAULT '[]',
		context    TEXT,
		source     TEXT NOT NULL DEFAULT 'page',
		archived   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(org_id, user_id, updated_at);
	`)
}

// Draft describes a conversation being started.
type Draft struct {
	// ID is optional; a UUIDv7 is generated when empty.
	ID           string
	FirstMessage string
	Context      *composer.RequestContext
	Source       string
}

// NewID returns a fresh conversation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

const selectColumns = `id, org_id, user_id, title, messages, context, source, archived, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	var messages string
	var ctxJSON sql.NullString
	var archived int
	var created, updated string
	if err := r.Scan(&c.ID, &c.OrgID, &c.UserID, &c.Title, &messages, &ctxJSON, &c.Source, &archived, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", c.ID, err)
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		c.Context = new(composer.RequestContext)
		if err := json.Unmarshal([]byte(ctxJSON.String), c.Context); err != nil {
			return nil, fmt.Errorf("decode context of %s: %w", c.ID, err)
		}
	}
	c.Archived = archived != 0
	c.CreatedAt = database.ParseTime(created)
	c.UpdatedAt = database.ParseTime(updated)
	return &c, nil
}

func encodeContext(rc *composer.RequestContext) (sql.NullString, error) {
	if rc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode context: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func sourceOrDefault(s string) string {
	if s == SourceWidget {
		return SourceWidget
	}
	return SourcePage
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertIfAbsent is the single write both creation paths go through.
func (s *Store) insertIfAbsent(ctx context.Context, db execer, p auth.Principal, id, title string, rc *composer.RequestContext, source string) (bool, error) {
	ctxJSON, err := encodeContext(rc)
	if err != nil {
		return false, err
	}
	now := database.FormatTime(s.now())
	res, err := db.ExecContext(ctx,
		`INSERT INTO conversations (id, org_id, user_id, title, messages, context, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '[]', ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, p.OrgID, p.UserID, title, ctxJSON, sourceOrDefault(source), now, now)
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	return n == 1, nil
}

// Create eagerly creates an empty conversation. If the id already exists
// and belongs to p the existing conversation is returned with created
// false; if it belongs to someone else ErrNotFound is returned.
func (s *Store) Create(ctx context.Context, p auth.Principal, d Draft) (*Conversation, bool, error) {
	if d.ID == "" {
		d.ID = NewID()
	}
	created, err := s.insertIfAbsent(ctx, s.db, p, d.ID, Title(d.FirstMessage, s.titleLength), d.Context, d.Source)
	if err != nil {
		return nil, false, err
	}
	c, err := s.Get(ctx, p, d.ID)
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

// Get returns the conversation if p owns it.
func (s *Store) Get(ctx context.Context, p auth.Principal, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM conversations WHERE id = ? AND org_id = ? AND user_id = ?`,
		id, p.OrgID, p.UserID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// Lookup distinguishes an id nobody has used yet (nil, nil) from one owned
// by another principal (nil, ErrNotFound).
func (s *Store) Lookup(ctx context.Context, p auth.Principal, id string) (*Conversation, error) {
	c, err := s.Get(ctx, p, id)
	if !errors.Is(err, ErrNotFound) {
		return c, err
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if exists > 0 {
		return nil, ErrNotFound
	}
	return nil, nil
}

// List returns p's conversations, most recently updated first, without
// their messages.
func (s *Store) List(ctx context.Context, p auth.Principal, includeArchived bool, limit int) ([]Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + selectColumns + ` FROM conversations WHERE org_id = ? AND user_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, p.OrgID, p.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Messages = nil
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Rename sets an explicit title. Later exchanges never overwrite it.
func (s *Store) Rename(ctx context.Context, p auth.Principal, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	return s.update(ctx, p, id,
		`UPDATE conversations SET title = ?, title_set = 1, updated_at = ? WHERE id = ? AND org_id = ? AND user_id = ?`,
		Title(title, s.titleLength))
}

// Archive hides the conversation from the default listing. Conversations
// are never deleted.
func (s *Store) Archive(ctx context.Context, p auth.Principal, id string) error {
	return s.update(ctx, p, id,
		`UPDATE conversations SET archived = 1, updated_at = ? WHERE id = ? AND org_id = ? AND user_id = ?`)
}

func (s *Store) update(ctx context.Context, p auth.Principal, id, query string, leading ...any) error {
	args := append(leading, database.FormatTime(s.now()), id, p.OrgID, p.UserID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Exchange is what the completion handler persists.
type Exchange struct {
	ConversationID string
	// Messages are appended to the stored transcript.
	Messages []Message
	Context  *composer.RequestContext
	Source   string
}

// SaveExchange appends an exchange, creating the conversation first when
// the eager create never happened. The existence check, insert and append
// run in one transaction.
func (s *Store) SaveExchange(ctx context.Context, p auth.Principal, ex Exchange) error {
	if ex.ConversationID == "" {
		return errors.New("save exchange: missing conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.insertIfAbsent(ctx, tx, p, ex.ConversationID, "", ex.Context, ex.Source); err != nil {
		return err
	}

	var orgID, userID, title, messages string
	var titleSet int
	err = tx.QueryRowContext(ctx,
		`SELECT org_id, user_id, title, title_set, messages FROM conversations WHERE id = ?`,
		ex.ConversationID).Scan(&orgID, &userID, &title, &titleSet, &messages)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if orgID != p.OrgID || userID != p.UserID {
		return ErrNotFound
	}

	var transcript []Message
	if err := json.Unmarshal([]byte(messages), &transcript); err != nil {
		return fmt.Errorf("decode messages: %w", err)
	}
	transcript = append(transcript, ex.Messages...)
	if title == "" && titleSet == 0 {
		title = Title(firstUserText(transcript), s.titleLength)
	}
	encoded, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET messages = ?, title = ?, updated_at = ? WHERE id = ?`,
		string(encoded), title, database.FormatTime(s.now()), ex.ConversationID)
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
