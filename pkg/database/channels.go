package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Channel is a named room users can join and leave on their own, unlike
// groups whose membership the owner controls.
type Channel struct {
	ID        int64
	Name      string
	Owner     string
	Members   []string
	CreatedAt int64
}

// IsMember reports whether username has joined the channel.
func (c *Channel) IsMember(username string) bool {
	return slices.Contains(c.Members, username)
}

// CreateChannel inserts a new channel with the owner as first member.
func (db *DB) CreateChannel(name, owner string) (*Channel, error) {
	members := []string{owner}
	data, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal members: %w", err)
	}

	now := nowMillis()
	result, err := db.conn.Exec(
		`INSERT INTO Channel (name, owner, members, created_at) VALUES (?, ?, ?, ?)`,
		name, owner, string(data), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel id: %w", err)
	}
	return &Channel{ID: id, Name: name, Owner: owner, Members: members, CreatedAt: now}, nil
}

// GetChannelByName returns ErrChannelNotFound when no such channel exists.
func (db *DB) GetChannelByName(name string) (*Channel, error) {
	var (
		c       Channel
		members string
	)
	err := db.conn.QueryRow(
		`SELECT id, name, owner, members, created_at FROM Channel WHERE name = ?`, name,
	).Scan(&c.ID, &c.Name, &c.Owner, &members, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query channel: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, fmt.Errorf("corrupt member list for channel %s: %w", name, err)
	}
	return &c, nil
}

// ListChannels returns every channel, oldest first.
func (db *DB) ListChannels() ([]*Channel, error) {
	rows, err := db.conn.Query(`SELECT id, name, owner, members, created_at FROM Channel ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var (
			c       Channel
			members string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Owner, &members, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
			return nil, fmt.Errorf("corrupt member list for channel %s: %w", c.Name, err)
		}
		channels = append(channels, &c)
	}
	return channels, rows.Err()
}

// JoinChannel adds username to the channel's member list; joining twice
// is a no-op.
func (db *DB) JoinChannel(name, username string) (*Channel, error) {
	c, err := db.GetChannelByName(name)
	if err != nil {
		return nil, err
	}
	if c.IsMember(username) {
		return c, nil
	}
	c.Members = append(c.Members, username)
	return c, db.storeChannelMembers(c)
}

// LeaveChannel removes username from the channel's member list.
func (db *DB) LeaveChannel(name, username string) (*Channel, error) {
	c, err := db.GetChannelByName(name)
	if err != nil {
		return nil, err
	}
	c.Members = slices.DeleteFunc(c.Members, func(m string) bool { return m == username })
	return c, db.storeChannelMembers(c)
}

func (db *DB) storeChannelMembers(c *Channel) error {
	data, err := json.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE Channel SET members = ? WHERE id = ?`, string(data), c.ID); err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return nil
}

// UpdateChannelMembers replaces the member list. Only the owner may do
// so, and the owner always stays a member.
func (db *DB) UpdateChannelMembers(name, caller string, members []string) (*Channel, error) {
	c, err := db.GetChannelByName(name)
	if err != nil {
		return nil, err
	}
	if c.Owner != caller {
		return nil, ErrNotOwner
	}
	if !slices.Contains(members, c.Owner) {
		members = append(members, c.Owner)
	}
	c.Members = members
	return c, db.storeChannelMembers(c)
}

// DeleteChannel removes the channel. Only the owner may do so.
func (db *DB) DeleteChannel(name, caller string) error {
	c, err := db.GetChannelByName(name)
	if err != nil {
		return err
	}
	if c.Owner != caller {
		return ErrNotOwner
	}
	if _, err := db.conn.Exec(`DELETE FROM Channel WHERE id = ?`, c.ID); err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}
