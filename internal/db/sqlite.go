package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glowlabs/glow/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidRole = errors.New("only user messages can be edited")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL,
    name TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    edited INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    fact TEXT NOT NULL,
    source_conversation_id TEXT REFERENCES conversations(id) ON DELETE SET NULL,
    displayed INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);`

// Database wraps two connection pools on the same SQLite file. Assistant-turn
// persistence runs on main; memory persistence runs on mem so that a memory
// transaction can never touch or undo a committed turn.
type Database struct {
	main *sql.DB
	mem  *sql.DB
}

func New(dbPath string) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)

	main, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := main.Exec(schema); err != nil {
		main.Close()
		return nil, err
	}

	mem, err := sql.Open("sqlite3", dsn)
	if err != nil {
		main.Close()
		return nil, err
	}

	return &Database{main: main, mem: mem}, nil
}

func (d *Database) Close() error {
	err := d.main.Close()
	if merr := d.mem.Close(); err == nil {
		err = merr
	}
	return err
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func displayName(username string) string {
	if username == "" {
		return username
	}
	return strings.ToUpper(username[:1]) + username[1:]
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func (d *Database) GetOrCreateUser(username string) (*models.User, error) {
	user, err := getUser(d.main, username)
	if errors.Is(err, ErrNotFound) {
		return createUser(d.main, username)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func getUser(q querier, username string) (*models.User, error) {
	var user models.User
	var created int64
	err := q.QueryRow(`
        SELECT id, username, email, name, created_at
        FROM users WHERE username = ?`, username).
		Scan(&user.ID, &user.Username, &user.Email, &user.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = fromNanos(created)
	return &user, nil
}

func createUser(q querier, username string) (*models.User, error) {
	user := &models.User{
		ID:        uuid.New().String(),
		Username:  username,
		Email:     username + "@glow.app",
		Name:      displayName(username),
		CreatedAt: time.Now().UTC(),
	}
	_, err := q.Exec(`
        INSERT INTO users (id, username, email, name, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.Name, nanos(user.CreatedAt))
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *Database) CreateConversation(userID, title string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := d.main.Exec(`
        INSERT INTO conversations (id, user_id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, nanos(conv.CreatedAt), nanos(conv.UpdatedAt))
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (d *Database) GetConversation(id string) (*models.Conversation, error) {
	var conv models.Conversation
	var created, updated int64
	err := d.main.QueryRow(`
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	return &conv, nil
}

func (d *Database) ListConversations(userID string) ([]models.Conversation, error) {
	rows, err := d.main.Query(`
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		var created, updated int64
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &created, &updated); err != nil {
			return nil, err
		}
		conv.CreatedAt = fromNanos(created)
		conv.UpdatedAt = fromNanos(updated)
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (d *Database) RenameConversation(id, title string) error {
	res, err := d.main.Exec("UPDATE conversations SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages. Memories that
// point at it are detached, never deleted.
func (d *Database) DeleteConversation(id string) error {
	tx, err := d.main.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE memories SET source_conversation_id = NULL WHERE source_conversation_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}

	res, err := tx.Exec("DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

// nextTimestamp returns an insertion timestamp strictly greater than every
// message already in the conversation. Wall clocks repeat under load; message
// order must not.
func nextTimestamp(tx *sql.Tx, convID string) (int64, error) {
	ts := nanos(time.Now())
	var last sql.NullInt64
	err := tx.QueryRow(
		"SELECT MAX(created_at) FROM messages WHERE conversation_id = ?", convID).Scan(&last)
	if err != nil {
		return 0, err
	}
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}
	return ts, nil
}

func conversationExists(tx *sql.Tx, convID string) error {
	var one int
	err := tx.QueryRow("SELECT 1 FROM conversations WHERE id = ?", convID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conversation %q: %w", convID, ErrNotFound)
	}
	return err
}

func (d *Database) AppendMessage(convID, role, content string) (*models.Message, error) {
	tx, err := d.main.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg, err := appendMessage(tx, convID, role, content)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func appendMessage(tx *sql.Tx, convID, role, content string) (*models.Message, error) {
	if err := conversationExists(tx, convID); err != nil {
		return nil, err
	}
	ts, err := nextTimestamp(tx, convID)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      fromNanos(ts),
	}
	if _, err := tx.Exec(`
        INSERT INTO messages (id, conversation_id, role, content, created_at, edited)
        VALUES (?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, ts); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		"UPDATE conversations SET updated_at = ? WHERE id = ?", ts, convID); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the conversation's messages in ascending creation order.
func (d *Database) History(convID string) ([]models.Message, error) {
	if _, err := d.GetConversation(convID); err != nil {
		return nil, err
	}

	rows, err := d.main.Query(`
        SELECT id, conversation_id, role, content, created_at, edited
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var created int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &created, &msg.Edited); err != nil {
			return nil, err
		}
		msg.CreatedAt = fromNanos(created)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (d *Database) GetMessage(id string) (*models.Message, error) {
	var msg models.Message
	var created int64
	err := d.main.QueryRow(`
        SELECT id, conversation_id, role, content, created_at, edited
        FROM messages WHERE id = ?`, id).
		Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &created, &msg.Edited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	msg.CreatedAt = fromNanos(created)
	return &msg, nil
}

// EditMessage updates a user message in place. Identity and position are
// untouched; only content and the edited flag change.
func (d *Database) EditMessage(id, content string) (*models.Message, error) {
	tx, err := d.main.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var msg models.Message
	var created int64
	err = tx.QueryRow(`
        SELECT id, conversation_id, role, content, created_at, edited
        FROM messages WHERE id = ?`, id).
		Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &created, &msg.Edited)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if msg.Role != models.RoleUser {
		return nil, ErrInvalidRole
	}

	if _, err := tx.Exec(
		"UPDATE messages SET content = ?, edited = 1 WHERE id = ?", content, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	msg.Content = content
	msg.Edited = true
	msg.CreatedAt = fromNanos(created)
	return &msg, nil
}

// TruncateAfter deletes every message in the conversation created strictly
// after cutoff. All-or-nothing.
func (d *Database) TruncateAfter(convID string, cutoff time.Time) error {
	tx, err := d.main.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := conversationExists(tx, convID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"DELETE FROM messages WHERE conversation_id = ? AND created_at > ?",
		convID, nanos(cutoff)); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveAssistantTurn commits the assistant message and, when title is non-nil,
// the generated conversation title in a single transaction. This is the
// durable phase of turn persistence: if it fails, nothing of the turn is kept.
func (d *Database) SaveAssistantTurn(convID, content string, title *string) (*models.Message, error) {
	tx, err := d.main.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	msg, err := appendMessage(tx, convID, models.RoleAssistant, content)
	if err != nil {
		return nil, err
	}
	if title != nil {
		if _, err := tx.Exec(
			"UPDATE conversations SET title = ? WHERE id = ?", *title, convID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// SaveMemory persists an extracted fact on the isolated connection pool in
// its own transaction. The owning user is resolved by id, then by username,
// and created if absent, all inside the same scope.
func (d *Database) SaveMemory(ownerID, username, fact, sourceConvID string) (*models.Memory, error) {
	tx, err := d.mem.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRow("SELECT id FROM users WHERE id = ?", ownerID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		user, uerr := getUser(tx, username)
		if errors.Is(uerr, ErrNotFound) {
			user, uerr = createUser(tx, username)
		}
		if uerr != nil {
			return nil, uerr
		}
		userID = user.ID
	} else if err != nil {
		return nil, err
	}

	mem := &models.Memory{
		ID:        uuid.New().String(),
		UserID:    userID,
		Fact:      fact,
		Displayed: true,
		CreatedAt: time.Now().UTC(),
	}
	if sourceConvID != "" {
		mem.SourceConversationID = &sourceConvID
	}

	if _, err := tx.Exec(`
        INSERT INTO memories (id, user_id, fact, source_conversation_id, displayed, created_at)
        VALUES (?, ?, ?, ?, 1, ?)`,
		mem.ID, mem.UserID, mem.Fact, mem.SourceConversationID, nanos(mem.CreatedAt)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mem, nil
}

// ListMemories returns the user's displayed memories, newest first.
func (d *Database) ListMemories(userID string) ([]models.Memory, error) {
	rows, err := d.main.Query(`
        SELECT id, user_id, fact, source_conversation_id, displayed, created_at
        FROM memories
        WHERE user_id = ? AND displayed = 1
        ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memories := make([]models.Memory, 0)
	for rows.Next() {
		var mem models.Memory
		var source sql.NullString
		var created int64
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.Fact, &source, &mem.Displayed, &created); err != nil {
			return nil, err
		}
		if source.Valid {
			mem.SourceConversationID = &source.String
		}
		mem.CreatedAt = fromNanos(created)
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// HideMemory soft-hides a memory from display. The row stays.
func (d *Database) HideMemory(memoryID, userID string) error {
	res, err := d.main.Exec(
		"UPDATE memories SET displayed = 0 WHERE id = ? AND user_id = ?", memoryID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %q: %w", memoryID, ErrNotFound)
	}
	return nil
}

func (d *Database) DeleteMemory(memoryID string) error {
	res, err := d.main.Exec("DELETE FROM memories WHERE id = ?", memoryID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %q: %w", memoryID, ErrNotFound)
	}
	return nil
}
