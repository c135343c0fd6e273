package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Group is a named set of users addressable with SEND_TO_GROUP.
type Group struct {
	ID        int64
	Name      string
	Owner     string
	Members   []string
	CreatedAt int64
}

// IsMember reports whether username belongs to the group.
func (g *Group) IsMember(username string) bool {
	return slices.Contains(g.Members, username)
}

// CreateGroup inserts a new group. The owner is always a member.
func (db *DB) CreateGroup(name, owner string, members []string) (*Group, error) {
	if !slices.Contains(members, owner) {
		members = append(members, owner)
	}
	data, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal members: %w", err)
	}

	now := nowMillis()
	result, err := db.conn.Exec(
		`INSERT INTO ChatGroup (name, owner, members, created_at) VALUES (?, ?, ?, ?)`,
		name, owner, string(data), now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get group id: %w", err)
	}
	return &Group{ID: id, Name: name, Owner: owner, Members: members, CreatedAt: now}, nil
}

// GetGroupByName returns ErrGroupNotFound when no such group exists.
func (db *DB) GetGroupByName(name string) (*Group, error) {
	var (
		g       Group
		members string
	)
	err := db.conn.QueryRow(
		`SELECT id, name, owner, members, created_at FROM ChatGroup WHERE name = ?`, name,
	).Scan(&g.ID, &g.Name, &g.Owner, &members, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
		return nil, fmt.Errorf("corrupt member list for group %s: %w", name, err)
	}
	return &g, nil
}

// ListGroupsFor returns every group username is a member of.
func (db *DB) ListGroupsFor(username string) ([]*Group, error) {
	rows, err := db.conn.Query(`SELECT id, name, owner, members, created_at FROM ChatGroup ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		var (
			g       Group
			members string
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Owner, &members, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
			return nil, fmt.Errorf("corrupt member list for group %s: %w", g.Name, err)
		}
		if g.IsMember(username) {
			groups = append(groups, &g)
		}
	}
	return groups, rows.Err()
}

// UpdateGroupMembers replaces the member list. Only the owner may do so.
func (db *DB) UpdateGroupMembers(name, caller string, members []string) (*Group, error) {
	g, err := db.GetGroupByName(name)
	if err != nil {
		return nil, err
	}
	if g.Owner != caller {
		return nil, ErrNotOwner
	}
	if !slices.Contains(members, g.Owner) {
		members = append(members, g.Owner)
	}

	data, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal members: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE ChatGroup SET members = ? WHERE id = ?`, string(data), g.ID); err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	g.Members = members
	return g, nil
}

// LeaveGroup removes username from the group's member list.
func (db *DB) LeaveGroup(name, username string) (*Group, error) {
	g, err := db.GetGroupByName(name)
	if err != nil {
		return nil, err
	}
	g.Members = slices.DeleteFunc(g.Members, func(m string) bool { return m == username })

	data, err := json.Marshal(g.Members)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal members: %w", err)
	}
	if _, err := db.conn.Exec(`UPDATE ChatGroup SET members = ? WHERE id = ?`, string(data), g.ID); err != nil {
		return nil, fmt.Errorf("failed to update group: %w", err)
	}
	return g, nil
}

// DeleteGroup removes the group. Only the owner may do so.
func (db *DB) DeleteGroup(name, caller string) error {
	g, err := db.GetGroupByName(name)
	if err != nil {
		return err
	}
	if g.Owner != caller {
		return ErrNotOwner
	}
	if _, err := db.conn.Exec(`DELETE FROM ChatGroup WHERE id = ?`, g.ID); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}
