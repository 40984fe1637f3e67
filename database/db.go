package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

var (
	ErrNotFound      = errors.New("database: not found")
	ErrNotMember     = errors.New("database: not a member of the conversation")
	ErrNotSender     = errors.New("database: only the sender may do this")
	ErrUsernameTaken = errors.New("database: username already taken")
)

// Store is the backend's SQLite database
type Store struct {
	db *sql.DB
}

// Open sets up the database connection and creates tables
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps :memory: alive
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		avatar TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		avatar TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS members (
		conversation_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		muted INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		last_read_id INTEGER NOT NULL DEFAULT 0,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		sender_id INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'TEXT',
		content TEXT NOT NULL DEFAULT '',
		attachment_url TEXT NOT NULL DEFAULT '',
		attachment_name TEXT NOT NULL DEFAULT '',
		attachment_size INTEGER NOT NULL DEFAULT 0,
		attachment_thumb TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		pinned INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS message_reads (
		message_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		read_at DATETIME NOT NULL,
		PRIMARY KEY (message_id, user_id),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	CREATE INDEX IF NOT EXISTS idx_members_user ON members(user_id);
	`
	_, err := s.db.Exec(tables)
	return err
}

// User queries

// CreateUser inserts a new user with an already hashed password
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, passwordHash, time.Now().UTC(),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.User{}, ErrUsernameTaken
		}
		return models.User{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.User{}, err
	}
	return s.GetUserByID(ctx, id)
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, avatar, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// GetUserByUsername returns the user and its password hash
func (s *Store) GetUserByUsername(ctx context.Context, username string) (models.User, string, error) {
	var (
		u    models.User
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, avatar, created_at, password FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.Avatar, &u.CreatedAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return u, "", ErrNotFound
	}
	return u, hash, err
}

// Conversation queries

// CreateConversation creates a conversation with the creator and memberIDs
func (s *Store) CreateConversation(ctx context.Context, creatorID int64, name string, memberIDs []int64) (models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "INSERT INTO conversations (name, created_at) VALUES (?, ?)", name, time.Now().UTC())
	if err != nil {
		return models.Conversation{}, err
	}
	convID, err := result.LastInsertId()
	if err != nil {
		return models.Conversation{}, err
	}

	seen := map[int64]bool{}
	for _, uid := range append([]int64{creatorID}, memberIDs...) {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", uid).Scan(&exists); err != nil {
			return models.Conversation{}, err
		}
		if exists == 0 {
			return models.Conversation{}, fmt.Errorf("user %d: %w", uid, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO members (conversation_id, user_id) VALUES (?, ?)", convID, uid,
		); err != nil {
			return models.Conversation{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return s.GetConversation(ctx, convID, creatorID)
}

// IsMember reports whether userID belongs to the conversation
func (s *Store) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM members WHERE conversation_id = ? AND user_id = ?", conversationID, userID,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) requireMember(ctx context.Context, conversationID, userID int64) error {
	ok, err := s.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// MemberIDs lists the members of a conversation
func (s *Store) MemberIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM members WHERE conversation_id = ? ORDER BY user_id", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type conversationRow struct {
	conv   models.Conversation
	lastID sql.NullInt64
}

const conversationSelect = `
	SELECT c.id, c.name, c.avatar, c.created_at, mb.muted, mb.pinned,
		(SELECT MAX(id) FROM messages WHERE conversation_id = c.id) AS last_id,
		(SELECT COUNT(*) FROM messages
			WHERE conversation_id = c.id AND id > mb.last_read_id AND sender_id != mb.user_id) AS unread
	FROM conversations c
	JOIN members mb ON mb.conversation_id = c.id AND mb.user_id = ?`

// conversations runs conversationSelect and fills in previews. Rows are read
// to the end before the preview queries run on the single connection.
func (s *Store) conversations(ctx context.Context, userID int64, tail string, args ...any) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, conversationSelect+" "+tail, append([]any{userID}, args...)...)
	if err != nil {
		return nil, err
	}
	var list []conversationRow
	for rows.Next() {
		var r conversationRow
		if err := rows.Scan(&r.conv.ID, &r.conv.Name, &r.conv.AvatarURL, &r.conv.LastMessageTime,
			&r.conv.Muted, &r.conv.Pinned, &r.lastID, &r.conv.UnreadCount); err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Conversation, 0, len(list))
	for _, r := range list {
		if r.lastID.Valid {
			last, err := s.GetMessage(ctx, r.lastID.Int64)
			if err != nil {
				return nil, err
			}
			r.conv.LastMessage = last.Preview()
			r.conv.LastMessageTime = last.CreatedAt
		}
		out = append(out, r.conv)
	}
	return out, nil
}

// ListConversations returns one page of userID's conversations, pinned
// first, then by latest activity, with the total count
func (s *Store) ListConversations(ctx context.Context, userID int64, page, size int) ([]models.Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM members WHERE user_id = ?", userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	list, err := s.conversations(ctx, userID,
		"ORDER BY mb.pinned DESC, COALESCE(last_id, 0) DESC, c.id DESC LIMIT ? OFFSET ?",
		size, page*size)
	return list, total, err
}

// GetConversation returns the conversation as userID sees it
func (s *Store) GetConversation(ctx context.Context, conversationID, userID int64) (models.Conversation, error) {
	list, err := s.conversations(ctx, userID, "WHERE c.id = ?", conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if len(list) == 0 {
		return models.Conversation{}, ErrNotMember
	}
	return list[0], nil
}

// SetMuted changes userID's mute flag on a conversation
func (s *Store) SetMuted(ctx context.Context, conversationID, userID int64, muted bool) error {
	return s.updateMember(ctx, "UPDATE members SET muted = ? WHERE conversation_id = ? AND user_id = ?",
		muted, conversationID, userID)
}

func (s *Store) SetPinned(ctx context.Context, conversationID, userID int64, pinned bool) error {
	return s.updateMember(ctx, "UPDATE members SET pinned = ? WHERE conversation_id = ? AND user_id = ?",
		pinned, conversationID, userID)
}

// LeaveConversation removes userID from the conversation
func (s *Store) LeaveConversation(ctx context.Context, conversationID, userID int64) error {
	return s.updateMember(ctx, "DELETE FROM members WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID)
}

func (s *Store) updateMember(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotMember
	}
	return nil
}

// Message queries

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_id, u.username, m.type, m.content,
		m.attachment_url, m.attachment_name, m.attachment_size, m.attachment_thumb,
		m.client_id, m.pinned, m.created_at
	FROM messages m
	JOIN users u ON m.sender_id = u.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (models.Message, error) {
	var (
		m   models.Message
		att models.Attachment
	)
	err := sc.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Type, &m.Content,
		&att.URL, &att.FileName, &att.FileSize, &att.ThumbnailURL,
		&m.ClientID, &m.Pinned, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	if att != (models.Attachment{}) {
		m.Attachment = &att
	}
	return m, nil
}

// CreateMessage stores a message from senderID
func (s *Store) CreateMessage(ctx context.Context, conversationID, senderID int64, req models.SendMessageRequest) (models.Message, error) {
	if err := s.requireMember(ctx, conversationID, senderID); err != nil {
		return models.Message{}, err
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}
	var att models.Attachment
	if req.Attachment != nil {
		att = *req.Attachment
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, type, content, attachment_url, attachment_name,
			attachment_size, attachment_thumb, client_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationID, senderID, req.Type, req.Content, att.URL, att.FileName,
		att.FileSize, att.ThumbnailURL, req.ClientID, time.Now().UTC(),
	)
	if err != nil {
		return models.Message{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}
	return s.GetMessage(ctx, id)
}

// GetMessage retrieves a message by its ID
func (s *Store) GetMessage(ctx context.Context, id int64) (models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, messageSelect+" WHERE m.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	readers, err := s.readers(ctx, []int64{id})
	if err != nil {
		return m, err
	}
	m.ReadByUserIDs = readers[id]
	return m, nil
}

// GetMessages returns one page of a conversation, newest first, and the
// total number of messages
func (s *Store) GetMessages(ctx context.Context, conversationID, userID int64, page, size int) ([]models.Message, int, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, 0, err
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		messageSelect+" WHERE m.conversation_id = ? ORDER BY m.id DESC LIMIT ? OFFSET ?",
		conversationID, size, page*size)
	if err != nil {
		return nil, 0, err
	}
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	readers, err := s.readers(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range msgs {
		msgs[i].ReadByUserIDs = readers[msgs[i].ID]
	}
	return msgs, total, nil
}

func (s *Store) readers(ctx context.Context, messageIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	if len(messageIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, user_id FROM message_reads WHERE message_id IN ("+placeholders+") ORDER BY read_at, user_id",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mid, uid int64
		if err := rows.Scan(&mid, &uid); err != nil {
			return nil, err
		}
		out[mid] = append(out[mid], uid)
	}
	return out, rows.Err()
}

// MarkRead marks every message userID has not read in the conversation as
// read and returns a receipt listing them
func (s *Store) MarkRead(ctx context.Context, conversationID, userID int64) (models.ReadReceipt, error) {
	receipt := models.ReadReceipt{ConversationID: conversationID, UserID: userID, ReadAt: time.Now().UTC()}
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return receipt, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return receipt, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT m.id FROM messages m
		JOIN members mb ON mb.conversation_id = m.conversation_id AND mb.user_id = ?
		WHERE m.conversation_id = ? AND m.id > mb.last_read_id AND m.sender_id != ?
		ORDER BY m.id`,
		userID, conversationID, userID)
	if err != nil {
		return receipt, err
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return receipt, err
		}
		receipt.MessageIDs = append(receipt.MessageIDs, id)
	}
	rows.Close()

	for _, id := range receipt.MessageIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)",
			id, userID, receipt.ReadAt,
		); err != nil {
			return receipt, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE members SET last_read_id = COALESCE((SELECT MAX(id) FROM messages WHERE conversation_id = ?), 0)
		WHERE conversation_id = ? AND user_id = ?`,
		conversationID, conversationID, userID,
	); err != nil {
		return receipt, err
	}
	return receipt, tx.Commit()
}

// DeleteMessage removes a message; only its sender may delete it
func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID, userID int64) error {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.ConversationID != conversationID {
		return ErrNotFound
	}
	if m.SenderID != userID {
		return ErrNotSender
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", messageID)
	return err
}
