package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotOwner indicates the caller does not own the resource.
	ErrNotOwner = errors.New("caller is not the owner")
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; WAL lets readers proceed alongside it
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- Registered users
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

-- One row per server run; members is a JSON object username -> user id
CREATE TABLE IF NOT EXISTS ServerSession (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	members TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

-- Audit trail of successful logins
CREATE TABLE IF NOT EXISTS UserLogin (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES User(id),
	session_id INTEGER NOT NULL REFERENCES ServerSession(id),
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_userlogin_user ON UserLogin(user_id);

-- Named groups; members is a JSON array of usernames
CREATE TABLE IF NOT EXISTS ChatGroup (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	members TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);

-- Named channels; members is a JSON array of usernames
CREATE TABLE IF NOT EXISTS Channel (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	owner TEXT NOT NULL,
	members TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);

-- Delivered message history
CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES ServerSession(id),
	owner_name TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	sender_role TEXT NOT NULL,
	to_name TEXT NOT NULL,
	to_role TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_owner ON Message(owner_name, created_at);
CREATE INDEX IF NOT EXISTS idx_message_to ON Message(to_name, created_at);
`
	_, err := db.conn.Exec(schema)
	return err
}

// SeedDefaultChannels creates the default channels if they don't exist
func (db *DB) SeedDefaultChannels() error {
	defaultChannels := []string{"welcome", "general"}

	for _, name := range defaultChannels {
		_, err := db.GetChannelByName(name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrChannelNotFound) {
			return err
		}
		if _, err := db.CreateChannel(name, "server"); err != nil {
			return fmt.Errorf("failed to seed channel %s: %w", name, err)
		}
	}
	return nil
}

// nowMillis returns the current time in milliseconds since epoch
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
