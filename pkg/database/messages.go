package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// StoredMessage is one delivered broadcast, kept for history replay.
type StoredMessage struct {
	ID         int64
	SessionID  int64
	OwnerName  string
	SenderName string
	SenderRole string
	ToName     string
	ToRole     string
	Body       string
	CreatedAt  int64
}

// RecordMessage persists one dispatched broadcast item.
func (db *DB) RecordMessage(sessionID int64, ownerName, senderName, senderRole, toName, toRole, body string) error {
	_, err := db.conn.Exec(
		`INSERT INTO Message (session_id, owner_name, sender_name, sender_role, to_name, to_role, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ownerName, senderName, senderRole, toName, toRole, body, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

// ListSentMessages returns the most recent messages owned by username,
// newest first.
func (db *DB) ListSentMessages(username string, limit int) ([]*StoredMessage, error) {
	return db.listMessages(
		`SELECT id, session_id, owner_name, sender_name, sender_role, to_name, to_role, body, created_at
		 FROM Message WHERE owner_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		username, limit,
	)
}

// ListReceivedMessages returns the most recent messages addressed to
// username directly or broadcast to everyone, newest first.
func (db *DB) ListReceivedMessages(username string, limit int) ([]*StoredMessage, error) {
	return db.listMessages(
		`SELECT id, session_id, owner_name, sender_name, sender_role, to_name, to_role, body, created_at
		 FROM Message WHERE (to_name = ? AND to_role = 'USER') OR to_role = 'ALL'
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		username, limit,
	)
}

// ListGroupMessages returns the most recent messages sent to a group,
// newest first.
func (db *DB) ListGroupMessages(name string, limit int) ([]*StoredMessage, error) {
	return db.listMessages(
		`SELECT id, session_id, owner_name, sender_name, sender_role, to_name, to_role, body, created_at
		 FROM Message WHERE to_name = ? AND to_role = 'GROUP' ORDER BY created_at DESC, id DESC LIMIT ?`,
		name, limit,
	)
}

// ListChannelMessages returns the most recent messages sent to a
// channel, newest first.
func (db *DB) ListChannelMessages(name string, limit int) ([]*StoredMessage, error) {
	return db.listMessages(
		`SELECT id, session_id, owner_name, sender_name, sender_role, to_name, to_role, body, created_at
		 FROM Message WHERE to_name = ? AND to_role = 'CHANNEL' ORDER BY created_at DESC, id DESC LIMIT ?`,
		name, limit,
	)
}

// GetMessage returns ErrMessageNotFound when no such message exists.
func (db *DB) GetMessage(id int64) (*StoredMessage, error) {
	var m StoredMessage
	err := db.conn.QueryRow(
		`SELECT id, session_id, owner_name, sender_name, sender_role, to_name, to_role, body, created_at
		 FROM Message WHERE id = ?`, id,
	).Scan(&m.ID, &m.SessionID, &m.OwnerName, &m.SenderName, &m.SenderRole,
		&m.ToName, &m.ToRole, &m.Body, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return &m, nil
}

// DeleteMessage removes one message from the history. Only the owner
// may do so.
func (db *DB) DeleteMessage(id int64, caller string) error {
	m, err := db.GetMessage(id)
	if err != nil {
		return err
	}
	if m.OwnerName != caller {
		return ErrNotOwner
	}
	if _, err := db.conn.Exec(`DELETE FROM Message WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (db *DB) listMessages(query string, args ...any) ([]*StoredMessage, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.OwnerName, &m.SenderName, &m.SenderRole,
			&m.ToName, &m.ToRole, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
