package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role classifies the party a message is addressed to or sent from.
type Role string

const (
	RoleUser    Role = "USER"
	RoleServer  Role = "SERVER"
	RoleGroup   Role = "GROUP"
	RoleChannel Role = "CHANNEL"
	RoleAll     Role = "ALL"
)

var ErrEmptyMessage = errors.New("empty message payload")

// Destination is the resolved target (or origin) of a message. Users is
// populated only for GROUP/CHANNEL roles and drives broadcast resolution.
type Destination struct {
	Identifier string   `json:"identifier"`
	Name       string   `json:"name"`
	Role       Role     `json:"role"`
	Users      []string `json:"users,omitempty"`
}

// Message is the client-side envelope: who sent it, where it goes, and a
// body that typically carries a marker-wrapped code plus JSON or text.
type Message struct {
	Sender Destination `json:"sender"`
	To     Destination `json:"to"`
	Body   string      `json:"body"`
}

// ServerMessage is the server-side envelope. Owner is always the
// authenticated connection that originated the request, or the server
// itself for system replies.
type ServerMessage struct {
	Owner  Destination `json:"owner"`
	Sender Destination `json:"sender"`
	To     Destination `json:"to"`
	Body   string      `json:"body"`
}

// NewMessage builds a client envelope.
func NewMessage(sender, to Destination, body string) *Message {
	return &Message{Sender: sender, To: to, Body: body}
}

// NewServerMessage builds a server envelope.
func NewServerMessage(owner, sender, to Destination, body string) *ServerMessage {
	return &ServerMessage{Owner: owner, Sender: sender, To: to, Body: body}
}

func (m *Message) ToJSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	return string(data), nil
}

// ParseMessage decodes a client envelope from its JSON form.
func ParseMessage(payload string) (*Message, error) {
	if payload == "" {
		return nil, ErrEmptyMessage
	}
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &m, nil
}

func (m *ServerMessage) ToJSON() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal server message: %w", err)
	}
	return string(data), nil
}

// ParseServerMessage decodes a server envelope from its JSON form.
func ParseServerMessage(payload string) (*ServerMessage, error) {
	if payload == "" {
		return nil, ErrEmptyMessage
	}
	var m ServerMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("failed to parse server message: %w", err)
	}
	return &m, nil
}

// LoginInfo is the structured body of LOGIN and IDENTIFICATION commands.
// UserToken is the token the server issued to this connection at accept
// time; it is empty on the very first attempt.
type LoginInfo struct {
	UserToken string `json:"user_id"`
	UserName  string `json:"user_name"`
	Password  string `json:"password"`
}

func (li *LoginInfo) ToJSON() (string, error) {
	data, err := json.Marshal(li)
	if err != nil {
		return "", fmt.Errorf("failed to marshal login info: %w", err)
	}
	return string(data), nil
}

// ParseLoginInfo decodes login credentials from a command body.
func ParseLoginInfo(payload string) (*LoginInfo, error) {
	if payload == "" {
		return nil, ErrEmptyMessage
	}
	var li LoginInfo
	if err := json.Unmarshal([]byte(payload), &li); err != nil {
		return nil, fmt.Errorf("failed to parse login info: %w", err)
	}
	return &li, nil
}

// LoginCreatedPayload is the body of a LOGIN_CREATED reply: the freshly
// created user id plus the connection token, echoed back so the client
// can confirm its password.
type LoginCreatedPayload struct {
	ID        int64  `json:"id"`
	UserToken string `json:"user_id"`
}

// LoginSuccessPayload is the body of a LOGIN_SUCCESS reply.
type LoginSuccessPayload struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
}
