package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// ErrStopRoute tells the receive loop to stop routing for a connection
// (LOGOUT, QUIT). The loop decides what to do with the socket.
var ErrStopRoute = errors.New("stop routing for this connection")

// Router classifies inbound messages and dispatches them. It holds no
// state of its own beyond references to its collaborators.
type Router struct {
	auth     *Authenticator
	handlers *Handlers
	metrics  *Metrics
}

// NewRouter wires the router to the auth state machine and handlers.
func NewRouter(auth *Authenticator, handlers *Handlers, metrics *Metrics) *Router {
	return &Router{
		auth:     auth,
		handlers: handlers,
		metrics:  metrics,
	}
}

// Route dispatches one inbound message for conn. An unauthenticated
// connection is forced through the authentication gate no matter what
// its message contains. Handler errors become a private reply to the
// originating connection; they never tear the receive loop down.
func (rt *Router) Route(conn *Connection, msg *protocol.ServerMessage) error {
	code := rt.gate(conn)
	if code == protocol.CodeNone {
		code = protocol.CodeScan(msg.Body)
	}
	if rt.metrics != nil {
		rt.metrics.RecordRouted(code.String())
	}

	var err error
	switch code {
	case protocol.CodeLogin, protocol.CodeIdentification:
		return rt.routeLogin(conn, msg)
	case protocol.CodeLogout:
		rt.routeLogout(conn)
		return ErrStopRoute
	case protocol.CodeQuit:
		return ErrStopRoute

	case protocol.CodeSendToUser:
		err = rt.handlers.SendToUser(conn, msg)
	case protocol.CodeSendToGroup:
		err = rt.handlers.SendToGroup(conn, msg)
	case protocol.CodeSendToChannel:
		err = rt.handlers.SendToChannel(conn, msg)
	case protocol.CodeSendToAll:
		err = rt.handlers.SendToAll(conn, msg)

	case protocol.CodeUserListAll:
		err = rt.handlers.UserListAll(conn, msg)
	case protocol.CodeUserListLogged:
		err = rt.handlers.UserListLogged(conn, msg)
	case protocol.CodeUserListUnLogged:
		err = rt.handlers.UserListUnLogged(conn, msg)

	case protocol.CodeGroupList:
		err = rt.handlers.GroupList(conn, msg)
	case protocol.CodeGroupCreate:
		err = rt.handlers.GroupCreate(conn, msg)
	case protocol.CodeGroupUpdate:
		err = rt.handlers.GroupUpdate(conn, msg)
	case protocol.CodeGroupLeave:
		err = rt.handlers.GroupLeave(conn, msg)
	case protocol.CodeGroupDelete:
		err = rt.handlers.GroupDelete(conn, msg)

	case protocol.CodeChannelListAll:
		err = rt.handlers.ChannelListAll(conn, msg)
	case protocol.CodeChannelListJoined:
		err = rt.handlers.ChannelListJoined(conn, msg)
	case protocol.CodeChannelListUnJoined:
		err = rt.handlers.ChannelListUnJoined(conn, msg)
	case protocol.CodeChannelCreate:
		err = rt.handlers.ChannelCreate(conn, msg)
	case protocol.CodeChannelUpdate:
		err = rt.handlers.ChannelUpdate(conn, msg)
	case protocol.CodeChannelJoin:
		err = rt.handlers.ChannelJoin(conn, msg)
	case protocol.CodeChannelLeave:
		err = rt.handlers.ChannelLeave(conn, msg)
	case protocol.CodeChannelDelete:
		err = rt.handlers.ChannelDelete(conn, msg)

	case protocol.CodeMessageListSent:
		err = rt.handlers.MessageListSent(conn, msg)
	case protocol.CodeMessageListReceived:
		err = rt.handlers.MessageListReceived(conn, msg)
	case protocol.CodeMessageListGroup:
		err = rt.handlers.MessageListGroup(conn, msg)
	case protocol.CodeMessageListChannel:
		err = rt.handlers.MessageListChannel(conn, msg)
	case protocol.CodeMessageDelete:
		err = rt.handlers.MessageDelete(conn, msg)

	default:
		// Unknown input must not crash the connection; fall back to a
		// plain broadcast to everyone.
		err = rt.handlers.SendToAll(conn, msg)
	}

	if err != nil {
		rt.replyError(conn, msg, code, err)
	}
	return nil
}

// gate forces the LOGIN code for connections that have not passed the
// authentication gate; no other command is reachable pre-login.
func (rt *Router) gate(conn *Connection) protocol.Code {
	if !conn.IsLogged() {
		return protocol.CodeLogin
	}
	return protocol.CodeNone
}

// routeLogin runs the auth state machine and sends the handshake reply.
// Handshake replies are bare envelopes, not JSON server messages.
func (rt *Router) routeLogin(conn *Connection, msg *protocol.ServerMessage) error {
	access := rt.auth.Authenticate(conn, msg.Body)
	switch access {
	case AccessGranted:
		payload, err := json.Marshal(protocol.LoginSuccessPayload{
			ID:        conn.User().ID,
			SessionID: rt.handlers.session.SessionID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal login reply: %w", err)
		}
		return conn.WriteText(protocol.MakeMessage(protocol.CodeLoginSuccess, string(payload)))

	case AccessCreated:
		payload, err := json.Marshal(protocol.LoginCreatedPayload{
			ID:        conn.User().ID,
			UserToken: conn.Token,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal created reply: %w", err)
		}
		return conn.WriteText(protocol.MakeMessage(protocol.CodeLoginCreated, string(payload)))

	default:
		// The issued token rides along so the client can retry
		return conn.WriteText(protocol.MakeMessage(protocol.CodeIdentificationRequired, conn.Token))
	}
}

func (rt *Router) routeLogout(conn *Connection) {
	user := conn.User()
	rt.auth.Logout(conn)

	name := PublicName
	if user != nil {
		name = user.Username
	}
	if err := conn.WriteText(protocol.MakeMessage(protocol.CodeLogout, fmt.Sprintf("User %s logged out!", name))); err != nil {
		debugLog.Printf("Logout reply to %s failed: %v", conn.Identifier, err)
	}
}

// replyError converts a handler failure into a private textual reply to
// the requesting connection. Other clients are unaffected.
func (rt *Router) replyError(conn *Connection, msg *protocol.ServerMessage, code protocol.Code, err error) {
	debugLog.Printf("Handler %s for %s failed: %v", code, conn.Identifier, err)

	reply := *msg
	reply.Body = fmt.Sprintf("Something went wrong on server while processing route %s, error %v", code, err)
	if handlerErr := rt.handlers.SendToThisUser(conn, &reply); handlerErr != nil {
		errorLog.Printf("Failed to deliver error reply to %s: %v", conn.Identifier, handlerErr)
	}
}
