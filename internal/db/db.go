package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lumen/internal/models"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// storageRoles maps roles to the labels kept in the messages table. The
// assistant is stored as "model" so files written by earlier versions load.
var storageRoles = map[models.Role]string{
	models.RoleUser:      "user",
	models.RoleAssistant: "model",
	models.RoleError:     "error",
	models.RoleSystem:    "system",
}

func roleFromStorage(s string) (models.Role, error) {
	for role, label := range storageRoles {
		if label == s {
			return role, nil
		}
	}
	// Rows written by tools that used the provider-facing name.
	if s == string(models.RoleAssistant) {
		return models.RoleAssistant, nil
	}
	return "", fmt.Errorf("%w: %q", models.ErrInvalidRole, s)
}

type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time

	// attachments is false when the schema migration failed; paths are then
	// neither written nor read.
	attachments  bool
	migrationErr error
}

func Open(path string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('user', 'model', 'error', 'system')),
			content TEXT NOT NULL,
			attachment_paths TEXT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_created_at ON chats(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, created_at, id);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &Store{db: db, log: log, now: time.Now, attachments: true}
	if err := s.migrateAttachmentColumn(); err != nil {
		s.attachments = false
		s.migrationErr = err
		log.Error("attachment column migration failed, attachments disabled", zap.Error(err))
	}
	return s, nil
}

// migrateAttachmentColumn brings older layouts up to the attachment_paths
// column: a single attachment_path column is renamed, a missing one is added.
func (s *Store) migrateAttachmentColumn() error {
	cols, err := s.messageColumns()
	if err != nil {
		return err
	}

	switch {
	case cols["attachment_paths"]:
		if cols["attachment_path"] {
			s.log.Warn("both attachment_path and attachment_paths columns exist, using attachment_paths")
		}
		return nil
	case cols["attachment_path"]:
		s.log.Info("renaming attachment_path column to attachment_paths")
		_, err = s.db.Exec("ALTER TABLE messages RENAME COLUMN attachment_path TO attachment_paths")
	default:
		s.log.Info("adding attachment_paths column")
		_, err = s.db.Exec("ALTER TABLE messages ADD COLUMN attachment_paths TEXT NULL")
	}
	if err != nil {
		return fmt.Errorf("migrate attachment column: %w", err)
	}
	return nil
}

func (s *Store) messageColumns() (map[string]bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(messages)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// MigrationErr reports why attachment paths are unavailable, if they are.
func (s *Store) MigrationErr() error { return s.migrationErr }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateChat(title string) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO chats(title, created_at) VALUES(?, ?)",
		title,
		s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	s.log.Info("chat created", zap.Int64("chat_id", id), zap.String("title", title))
	return id, nil
}

func (s *Store) AppendMessage(chatID int64, role models.Role, content string, attachmentPaths []string) error {
	label, ok := storageRoles[role]
	if !ok {
		return fmt.Errorf("%w: %q", models.ErrInvalidRole, role)
	}

	nowMilli := s.now().UnixMilli()
	var err error
	if s.attachments {
		var paths sql.NullString
		paths, err = encodePaths(attachmentPaths)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(
			"INSERT INTO messages(chat_id, role, content, attachment_paths, created_at) VALUES(?, ?, ?, ?, ?)",
			chatID,
			label,
			content,
			paths,
			nowMilli,
		)
	} else {
		_, err = s.db.Exec(
			"INSERT INTO messages(chat_id, role, content, created_at) VALUES(?, ?, ?, ?)",
			chatID,
			label,
			content,
			nowMilli,
		)
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	s.log.Debug("message appended",
		zap.Int64("chat_id", chatID),
		zap.String("role", string(role)),
		zap.Int("attachments", len(attachmentPaths)),
	)
	return nil
}

func (s *Store) LoadHistory(chatID int64) ([]models.StoredMessage, error) {
	query := "SELECT role, content, NULL, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC"
	if s.attachments {
		query = "SELECT role, content, attachment_paths, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC"
	}

	rows, err := s.db.Query(query, chatID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	msgs := []models.StoredMessage{}
	for rows.Next() {
		var (
			label     string
			content   string
			paths     sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&label, &content, &paths, &createdMs); err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		role, err := roleFromStorage(label)
		if err != nil {
			s.log.Warn("skipping message with unknown role", zap.Int64("chat_id", chatID), zap.String("role", label))
			continue
		}
		msgs = append(msgs, models.StoredMessage{
			Role:            role,
			Content:         content,
			AttachmentPaths: s.decodePaths(paths),
			CreatedAt:       time.UnixMilli(createdMs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

func (s *Store) ListChats() ([]models.Chat, error) {
	return s.queryChats("SELECT id, title, created_at FROM chats ORDER BY created_at DESC, id DESC")
}

func (s *Store) ListChatsPage(limit, offset int) ([]models.Chat, error) {
	return s.queryChats(
		"SELECT id, title, created_at FROM chats ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit,
		offset,
	)
}

func (s *Store) CountChats() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM chats").Scan(&count); err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return count, nil
}

func (s *Store) queryChats(query string, args ...any) ([]models.Chat, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []models.Chat{}
	for rows.Next() {
		var (
			c         models.Chat
			createdMs int64
		)
		if err := rows.Scan(&c.ID, &c.Title, &createdMs); err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		c.CreatedAt = time.UnixMilli(createdMs)
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

func (s *Store) RenameChat(chatID int64, title string) error {
	res, err := s.db.Exec("UPDATE chats SET title = ? WHERE id = ?", title, chatID)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rename chat %d: %w", chatID, models.ErrChatNotFound)
	}
	s.log.Info("chat renamed", zap.Int64("chat_id", chatID), zap.String("title", title))
	return nil
}

// DeleteChat removes a chat and its messages. Unknown ids are not an error.
func (s *Store) DeleteChat(chatID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	defer tx.Rollback()

	// Explicit so files created without the foreign key still cascade.
	if _, err := tx.Exec("DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM chats WHERE id = ?", chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	s.log.Info("chat deleted", zap.Int64("chat_id", chatID))
	return nil
}

// encodePaths stores an empty list as NULL, otherwise as a JSON array.
func encodePaths(paths []string) (sql.NullString, error) {
	if len(paths) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode attachment paths: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (s *Store) decodePaths(v sql.NullString) []string {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	raw := strings.TrimSpace(v.String)
	if !strings.HasPrefix(raw, "[") {
		// Legacy single attachment_path value.
		return []string{raw}
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		s.log.Warn("could not parse attachment paths", zap.String("value", raw), zap.Error(err))
		return nil
	}
	return paths
}
