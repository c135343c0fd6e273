package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatbox-tcp/chatbox/pkg/database"
	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// Handlers implements every post-login command. Each handler validates
// its input, touches the repositories it needs, and enqueues the reply
// or relay on the broadcaster; none of them write to sockets directly.
type Handlers struct {
	registry    *Registry
	db          *database.DB
	session     *database.ServerSession
	broadcaster *Broadcaster
}

// NewHandlers wires the command handlers to their collaborators.
func NewHandlers(registry *Registry, db *database.DB, session *database.ServerSession, broadcaster *Broadcaster) *Handlers {
	return &Handlers{
		registry:    registry,
		db:          db,
		session:     session,
		broadcaster: broadcaster,
	}
}

// serverDestination describes the server itself as a message source.
func serverDestination() protocol.Destination {
	return protocol.Destination{Identifier: "server", Name: "server", Role: protocol.RoleServer}
}

// stripCode removes the given command envelope from body if present.
func stripCode(code protocol.Code, body string) string {
	if stripped, ok := protocol.GetMessage(code, body); ok {
		return stripped
	}
	return body
}

func (h *Handlers) enqueue(item Item) error {
	if !h.broadcaster.Enqueue(item) {
		return fmt.Errorf("broadcast queue is shut down")
	}
	return nil
}

// SendToThisUser delivers a private server reply to the originating
// connection only.
func (h *Handlers) SendToThisUser(conn *Connection, msg *protocol.ServerMessage) error {
	return h.enqueue(Item{
		Owner:  conn.OwnerDestination(),
		Sender: serverDestination(),
		To:     conn.OwnerDestination(),
		Body:   msg.Body,
	})
}

// replyText wraps a plain textual reply for the originating connection.
func (h *Handlers) replyText(conn *Connection, body string) error {
	return h.enqueue(Item{
		Owner:  conn.OwnerDestination(),
		Sender: serverDestination(),
		To:     conn.OwnerDestination(),
		Body:   body,
	})
}

// SendToUser relays a direct message. The target user id travels in the
// destination identifier; delivery silently drops when the target has
// no live socket.
func (h *Handlers) SendToUser(conn *Connection, msg *protocol.ServerMessage) error {
	if msg.To.Identifier == "" {
		return fmt.Errorf("direct message carries no target user")
	}
	to := msg.To
	to.Role = protocol.RoleUser
	return h.enqueue(Item{
		Owner:  conn.OwnerDestination(),
		Sender: conn.OwnerDestination(),
		To:     to,
		Body:   stripCode(protocol.CodeSendToUser, msg.Body),
	})
}

// SendToGroup relays a message to every live member of a group the
// sender belongs to. The member list is resolved here so the dispatcher
// never touches the database.
func (h *Handlers) SendToGroup(conn *Connection, msg *protocol.ServerMessage) error {
	group, err := h.db.GetGroupByName(msg.To.Name)
	if err != nil {
		return err
	}
	if !group.IsMember(conn.DisplayName()) {
		return fmt.Errorf("user %s is not a member of group %s", conn.DisplayName(), group.Name)
	}
	return h.enqueue(Item{
		Owner:  conn.OwnerDestination(),
		Sender: conn.OwnerDestination(),
		To: protocol.Destination{
			Identifier: userIdentifier(group.ID),
			Name:       group.Name,
			Role:       protocol.RoleGroup,
			Users:      group.Members,
		},
		Body: stripCode(protocol.CodeSendToGroup, msg.Body),
	})
}

// SendToChannel relays a message to every live member of a channel the
// sender joined.
func (h *Handlers) SendToChannel(conn *Connection, msg *protocol.ServerMessage) error {
	channel, err := h.db.GetChannelByName(msg.To.Name)
	if err != nil {
		return err
	}
	if !channel.IsMember(conn.DisplayName()) {
		return fmt.Errorf("user %s has not joined channel %s", conn.DisplayName(), channel.Name)
	}
	return h.enqueue(Item{
		Owner:  conn.OwnerDestination(),
		Sender: conn.OwnerDestination(),
		To: protocol.Destination{
			Identifier: userIdentifier(channel.ID),
			Name:       channel.Name,
			Role:       protocol.RoleChannel,
			Users:      channel.Members,
		},
		Body: stripCode(protocol.CodeSendToChannel, msg.Body),
	})
}

// SendToAll relays a message to every live connection, logged in or not.
func (h *Handlers) SendToAll(conn *Connection, msg *protocol.ServerMessage) error {
	return h.enqueue(Item{
		Owner:  conn.OwnerDestination(),
		Sender: conn.OwnerDestination(),
		To: protocol.Destination{
			Identifier: "all",
			Name:       "all",
			Role:       protocol.RoleAll,
		},
		Body: stripCode(protocol.CodeSendToAll, msg.Body),
	})
}

// UserListAll replies with every registered username.
func (h *Handlers) UserListAll(conn *Connection, msg *protocol.ServerMessage) error {
	names, err := h.db.ListUsernames()
	if err != nil {
		return err
	}
	return h.replyList(conn, "All users", names)
}

// UserListLogged replies with the usernames bound to a live
// authenticated socket right now.
func (h *Handlers) UserListLogged(conn *Connection, msg *protocol.ServerMessage) error {
	var names []string
	for _, c := range h.registry.Authenticated() {
		names = append(names, c.DisplayName())
	}
	return h.replyList(conn, "Logged users", names)
}

// UserListUnLogged replies with the registered usernames that have no
// live authenticated socket.
func (h *Handlers) UserListUnLogged(conn *Connection, msg *protocol.ServerMessage) error {
	all, err := h.db.ListUsernames()
	if err != nil {
		return err
	}
	logged := make(map[string]bool)
	for _, c := range h.registry.Authenticated() {
		logged[c.DisplayName()] = true
	}
	var names []string
	for _, name := range all {
		if !logged[name] {
			names = append(names, name)
		}
	}
	return h.replyList(conn, "Unlogged users", names)
}

func (h *Handlers) replyList(conn *Connection, title string, names []string) error {
	if len(names) == 0 {
		return h.replyText(conn, title+": none")
	}
	return h.replyText(conn, fmt.Sprintf("%s: %s", title, strings.Join(names, ", ")))
}

// groupPayload is the JSON body of group create and update requests.
type groupPayload struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func parseGroupPayload(code protocol.Code, body string) (*groupPayload, error) {
	raw := stripCode(code, body)
	var payload groupPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to parse group payload: %w", err)
	}
	if payload.Name == "" {
		return nil, fmt.Errorf("group payload carries no name")
	}
	return &payload, nil
}

// GroupList replies with the groups the requesting user belongs to.
func (h *Handlers) GroupList(conn *Connection, msg *protocol.ServerMessage) error {
	groups, err := h.db.ListGroupsFor(conn.DisplayName())
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return h.replyText(conn, "Groups: none")
	}
	lines := make([]string, 0, len(groups))
	for _, g := range groups {
		lines = append(lines, fmt.Sprintf("%s (owner %s): %s", g.Name, g.Owner, strings.Join(g.Members, ", ")))
	}
	return h.replyText(conn, "Groups:\n"+strings.Join(lines, "\n"))
}

// GroupCreate creates a group owned by the requesting user.
func (h *Handlers) GroupCreate(conn *Connection, msg *protocol.ServerMessage) error {
	payload, err := parseGroupPayload(protocol.CodeGroupCreate, msg.Body)
	if err != nil {
		return err
	}
	group, err := h.db.CreateGroup(payload.Name, conn.DisplayName(), payload.Members)
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Group %s created with members %s", group.Name, strings.Join(group.Members, ", ")))
}

// GroupUpdate replaces a group's member list. Owner only.
func (h *Handlers) GroupUpdate(conn *Connection, msg *protocol.ServerMessage) error {
	payload, err := parseGroupPayload(protocol.CodeGroupUpdate, msg.Body)
	if err != nil {
		return err
	}
	group, err := h.db.UpdateGroupMembers(payload.Name, conn.DisplayName(), payload.Members)
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Group %s updated, members %s", group.Name, strings.Join(group.Members, ", ")))
}

// GroupLeave removes the requesting user from a group.
func (h *Handlers) GroupLeave(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeGroupLeave, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	group, err := h.db.LeaveGroup(name, conn.DisplayName())
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("You left group %s", group.Name))
}

// GroupDelete removes a group entirely. Owner only.
func (h *Handlers) GroupDelete(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeGroupDelete, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	if err := h.db.DeleteGroup(name, conn.DisplayName()); err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Group %s deleted", name))
}

// ChannelListAll replies with every channel on the server.
func (h *Handlers) ChannelListAll(conn *Connection, msg *protocol.ServerMessage) error {
	channels, err := h.db.ListChannels()
	if err != nil {
		return err
	}
	return h.replyChannels(conn, "Channels", channels, nil)
}

// ChannelListJoined replies with the channels the user is a member of.
func (h *Handlers) ChannelListJoined(conn *Connection, msg *protocol.ServerMessage) error {
	channels, err := h.db.ListChannels()
	if err != nil {
		return err
	}
	member := func(c *database.Channel) bool { return c.IsMember(conn.DisplayName()) }
	return h.replyChannels(conn, "Joined channels", channels, member)
}

// ChannelListUnJoined replies with the channels the user has not joined.
func (h *Handlers) ChannelListUnJoined(conn *Connection, msg *protocol.ServerMessage) error {
	channels, err := h.db.ListChannels()
	if err != nil {
		return err
	}
	nonMember := func(c *database.Channel) bool { return !c.IsMember(conn.DisplayName()) }
	return h.replyChannels(conn, "Unjoined channels", channels, nonMember)
}

func (h *Handlers) replyChannels(conn *Connection, title string, channels []*database.Channel, keep func(*database.Channel) bool) error {
	var lines []string
	for _, c := range channels {
		if keep != nil && !keep(c) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (owner %s, %d members)", c.Name, c.Owner, len(c.Members)))
	}
	if len(lines) == 0 {
		return h.replyText(conn, title+": none")
	}
	return h.replyText(conn, title+":\n"+strings.Join(lines, "\n"))
}

// ChannelCreate creates a channel owned and joined by the requester.
func (h *Handlers) ChannelCreate(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeChannelCreate, msg.Body))
	if name == "" {
		return fmt.Errorf("channel create carries no name")
	}
	channel, err := h.db.CreateChannel(name, conn.DisplayName())
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Channel %s created", channel.Name))
}

// ChannelUpdate replaces a channel's member list. Owner only; the group
// payload shape is reused since both carry a name and a member list.
func (h *Handlers) ChannelUpdate(conn *Connection, msg *protocol.ServerMessage) error {
	payload, err := parseGroupPayload(protocol.CodeChannelUpdate, msg.Body)
	if err != nil {
		return err
	}
	channel, err := h.db.UpdateChannelMembers(payload.Name, conn.DisplayName(), payload.Members)
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Channel %s updated, members %s", channel.Name, strings.Join(channel.Members, ", ")))
}

// ChannelJoin adds the requester to a channel. Idempotent.
func (h *Handlers) ChannelJoin(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeChannelJoin, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	channel, err := h.db.JoinChannel(name, conn.DisplayName())
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("You joined channel %s", channel.Name))
}

// ChannelLeave removes the requester from a channel.
func (h *Handlers) ChannelLeave(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeChannelLeave, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	channel, err := h.db.LeaveChannel(name, conn.DisplayName())
	if err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("You left channel %s", channel.Name))
}

// ChannelDelete removes a channel entirely. Owner only.
func (h *Handlers) ChannelDelete(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeChannelDelete, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	if err := h.db.DeleteChannel(name, conn.DisplayName()); err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Channel %s deleted", name))
}

const historyLimit = 50

// MessageListSent replies with the requester's recent sent messages.
func (h *Handlers) MessageListSent(conn *Connection, msg *protocol.ServerMessage) error {
	stored, err := h.db.ListSentMessages(conn.DisplayName(), historyLimit)
	if err != nil {
		return err
	}
	return h.replyHistory(conn, "Sent messages", stored)
}

// MessageListReceived replies with the messages addressed to the
// requester, direct and all-broadcast.
func (h *Handlers) MessageListReceived(conn *Connection, msg *protocol.ServerMessage) error {
	stored, err := h.db.ListReceivedMessages(conn.DisplayName(), historyLimit)
	if err != nil {
		return err
	}
	return h.replyHistory(conn, "Received messages", stored)
}

// MessageListGroup replies with a group's recent messages. Members only.
func (h *Handlers) MessageListGroup(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeMessageListGroup, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	group, err := h.db.GetGroupByName(name)
	if err != nil {
		return err
	}
	if !group.IsMember(conn.DisplayName()) {
		return fmt.Errorf("user %s is not a member of group %s", conn.DisplayName(), group.Name)
	}
	stored, err := h.db.ListGroupMessages(group.Name, historyLimit)
	if err != nil {
		return err
	}
	return h.replyHistory(conn, fmt.Sprintf("Messages in group %s", group.Name), stored)
}

// MessageListChannel replies with a channel's recent messages. Members
// only.
func (h *Handlers) MessageListChannel(conn *Connection, msg *protocol.ServerMessage) error {
	name := strings.TrimSpace(stripCode(protocol.CodeMessageListChannel, msg.Body))
	if name == "" {
		name = msg.To.Name
	}
	channel, err := h.db.GetChannelByName(name)
	if err != nil {
		return err
	}
	if !channel.IsMember(conn.DisplayName()) {
		return fmt.Errorf("user %s has not joined channel %s", conn.DisplayName(), channel.Name)
	}
	stored, err := h.db.ListChannelMessages(channel.Name, historyLimit)
	if err != nil {
		return err
	}
	return h.replyHistory(conn, fmt.Sprintf("Messages in channel %s", channel.Name), stored)
}

// MessageDelete removes one message from the history by id. Only the
// owner of the message may delete it.
func (h *Handlers) MessageDelete(conn *Connection, msg *protocol.ServerMessage) error {
	raw := strings.TrimSpace(stripCode(protocol.CodeMessageDelete, msg.Body))
	if raw == "" {
		return fmt.Errorf("message delete carries no id")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message id %q", raw)
	}
	if err := h.db.DeleteMessage(id, conn.DisplayName()); err != nil {
		return err
	}
	return h.replyText(conn, fmt.Sprintf("Message %d deleted", id))
}

func (h *Handlers) replyHistory(conn *Connection, title string, stored []*database.StoredMessage) error {
	if len(stored) == 0 {
		return h.replyText(conn, title+": none")
	}
	lines := make([]string, 0, len(stored))
	for _, m := range stored {
		lines = append(lines, fmt.Sprintf("#%d [%s -> %s] %s", m.ID, m.SenderName, m.ToName, m.Body))
	}
	return h.replyText(conn, title+":\n"+strings.Join(lines, "\n"))
}
