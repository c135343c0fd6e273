package database

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ServerSession is the record of one server run: which users are
// currently considered "in" the instance. Membership mutations are
// persisted on every change so a restarted server can offer the
// reconnection shortcut.
type ServerSession struct {
	ID        int64
	SessionID string
	CreatedAt int64

	mu      sync.Mutex
	members map[string]int64 // username -> user id
}

// OpenSession creates a fresh server session row with a generated
// session identifier and an empty membership map.
func (db *DB) OpenSession() (*ServerSession, error) {
	now := nowMillis()
	sessionID := uuid.NewString()

	result, err := db.conn.Exec(
		`INSERT INTO ServerSession (session_id, members, created_at) VALUES (?, '{}', ?)`,
		sessionID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create server session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get session id: %w", err)
	}

	return &ServerSession{
		ID:        id,
		SessionID: sessionID,
		CreatedAt: now,
		members:   make(map[string]int64),
	}, nil
}

// AddMember records that user is now part of the session.
func (db *DB) AddMember(sess *ServerSession, user *User) error {
	sess.mu.Lock()
	sess.members[user.Username] = user.ID
	data, err := json.Marshal(sess.members)
	sess.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal session members: %w", err)
	}
	return db.storeMembers(sess.ID, data)
}

// RemoveMember drops user from the session membership.
func (db *DB) RemoveMember(sess *ServerSession, user *User) error {
	sess.mu.Lock()
	delete(sess.members, user.Username)
	data, err := json.Marshal(sess.members)
	sess.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal session members: %w", err)
	}
	return db.storeMembers(sess.ID, data)
}

func (db *DB) storeMembers(sessionID int64, data []byte) error {
	if _, err := db.conn.Exec(`UPDATE ServerSession SET members = ? WHERE id = ?`, string(data), sessionID); err != nil {
		return fmt.Errorf("failed to persist session members: %w", err)
	}
	return nil
}

// MemberUserID returns the user id a username maps to in this session,
// if any. Used by the auth reconnection shortcut.
func (sess *ServerSession) MemberUserID(username string) (int64, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	id, ok := sess.members[username]
	return id, ok
}

// MemberNames returns the usernames currently in the session.
func (sess *ServerSession) MemberNames() []string {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	names := make([]string, 0, len(sess.members))
	for name := range sess.members {
		names = append(names, name)
	}
	return names
}

// CreateUserLogin records one successful login with the attempt count
// the connection accumulated before being granted access.
func (db *DB) CreateUserLogin(userID, sessionID int64, attempts int) error {
	_, err := db.conn.Exec(
		`INSERT INTO UserLogin (user_id, session_id, attempts, created_at) VALUES (?, ?, ?, ?)`,
		userID, sessionID, attempts, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	return nil
}
