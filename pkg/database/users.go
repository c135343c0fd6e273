package database

import (
	"database/sql"
	"errors"
	"fmt"
)

// User is a registered account. PasswordHash is a bcrypt hash; the
// plaintext never reaches this package.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    int64
}

// CreateUser inserts a new user with an already-hashed password.
func (db *DB) CreateUser(username, passwordHash string) (*User, error) {
	now := nowMillis()
	result, err := db.conn.Exec(
		`INSERT INTO User (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}
	return &User{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

// GetUserByName looks a user up by username. Returns ErrUserNotFound
// when no such user exists.
func (db *DB) GetUserByName(username string) (*User, error) {
	return db.getUser(`SELECT id, username, password_hash, created_at FROM User WHERE username = ?`, username)
}

// GetUserByID looks a user up by primary key.
func (db *DB) GetUserByID(id int64) (*User, error) {
	return db.getUser(`SELECT id, username, password_hash, created_at FROM User WHERE id = ?`, id)
}

func (db *DB) getUser(query string, arg any) (*User, error) {
	var u User
	err := db.conn.QueryRow(query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// ListUsernames returns every registered username, oldest first.
func (db *DB) ListUsernames() ([]string, error) {
	rows, err := db.conn.Query(`SELECT username FROM User ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
