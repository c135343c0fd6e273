package server

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/chatbox-tcp/chatbox/pkg/database"
	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// Access is the outcome of one authentication attempt.
type Access int

const (
	AccessDenied Access = iota
	AccessGranted
	AccessCreated
)

func (a Access) String() string {
	switch a {
	case AccessGranted:
		return "GRANTED"
	case AccessCreated:
		return "CREATED"
	default:
		return "DENIED"
	}
}

// Authenticator runs the login state machine for unauthenticated
// connections. It mutates the registry and the session membership but
// never writes to the socket; replies are the router's job.
type Authenticator struct {
	registry *Registry
	db       *database.DB
	session  *database.ServerSession
	metrics  *Metrics
}

// NewAuthenticator wires the auth state machine to its collaborators.
func NewAuthenticator(registry *Registry, db *database.DB, session *database.ServerSession, metrics *Metrics) *Authenticator {
	return &Authenticator{
		registry: registry,
		db:       db,
		session:  session,
		metrics:  metrics,
	}
}

// Authenticate validates a LOGIN or IDENTIFICATION payload for conn.
// Every denial increments the connection's attempt counter; GRANTED and
// CREATED never do.
func (a *Authenticator) Authenticate(conn *Connection, payload string) Access {
	access := a.login(conn, payload)
	if access == AccessDenied {
		attempts := conn.IncrementAttempts()
		debugLog.Printf("Connection %s denied, %d login attempts so far", conn.Identifier, attempts)
	}
	if a.metrics != nil {
		a.metrics.RecordLogin(access.String())
	}
	return access
}

func (a *Authenticator) login(conn *Connection, payload string) Access {
	code := protocol.CodeNone
	switch {
	case protocol.CodeIn(protocol.CodeLogin, payload):
		code = protocol.CodeLogin
	case protocol.CodeIn(protocol.CodeIdentification, payload):
		code = protocol.CodeIdentification
	default:
		return AccessDenied
	}

	// A connection that was already promoted must not log in again;
	// replayed LOGIN frames are denied here.
	if !a.registry.IsUnauthenticated(conn.Identifier) {
		return AccessDenied
	}

	body, ok := protocol.GetMessage(code, payload)
	if !ok {
		return AccessDenied
	}
	info, err := protocol.ParseLoginInfo(body)
	if err != nil {
		debugLog.Printf("Connection %s sent unparsable login info: %v", conn.Identifier, err)
		return AccessDenied
	}

	// Reconnection shortcut: a user already in the session membership
	// map may come back without a token and without a password check.
	if info.UserToken == "" && info.UserName != "" {
		if userID, ok := a.session.MemberUserID(info.UserName); ok {
			user, err := a.db.GetUserByID(userID)
			if err == nil {
				return a.identify(conn, user, true)
			}
			errorLog.Printf("Session member %s has no user record: %v", info.UserName, err)
		}
	}

	if info.UserToken == "" || info.UserName == "" || info.Password == "" {
		return AccessDenied
	}
	// The token must be the one issued to this very connection,
	// otherwise a second party could hijack a half-completed login.
	if info.UserToken != conn.Token {
		return AccessDenied
	}

	user, err := a.db.GetUserByName(info.UserName)
	if err != nil {
		hash, hashErr := bcrypt.GenerateFromPassword([]byte(info.Password), bcrypt.DefaultCost)
		if hashErr != nil {
			errorLog.Printf("bcrypt.GenerateFromPassword failed: %v", hashErr)
			return AccessDenied
		}
		created, createErr := a.db.CreateUser(info.UserName, string(hash))
		if createErr != nil {
			errorLog.Printf("Failed to create user %s: %v", info.UserName, createErr)
			return AccessDenied
		}
		// The new id is echoed back before the password is confirmed;
		// the client resubmits once more to complete the login.
		conn.AttachUser(created)
		return AccessCreated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(info.Password)); err != nil {
		return AccessDenied
	}

	return a.identify(conn, user, false)
}

// identify promotes the connection and records session membership. The
// reconnected path skips the login audit row.
func (a *Authenticator) identify(conn *Connection, user *database.User, reconnected bool) Access {
	if !a.registry.Promote(conn.Identifier, user) {
		return AccessDenied
	}

	if reconnected {
		debugLog.Printf("Connection %s reconnected as %s in session %s", conn.Identifier, user.Username, a.session.SessionID)
		return AccessGranted
	}

	if err := a.db.CreateUserLogin(user.ID, a.session.ID, conn.Attempts()); err != nil {
		errorLog.Printf("Failed to record login for %s: %v", user.Username, err)
	}
	if err := a.db.AddMember(a.session, user); err != nil {
		errorLog.Printf("Failed to add %s to session: %v", user.Username, err)
	}

	debugLog.Printf("Connection %s identified as %s", conn.Identifier, user.Username)
	return AccessGranted
}

// Logout removes the connection's user from the session membership. The
// socket stays open; the router decides whether to keep routing.
func (a *Authenticator) Logout(conn *Connection) {
	user := conn.User()
	if user == nil {
		return
	}
	if err := a.db.RemoveMember(a.session, user); err != nil {
		errorLog.Printf("Failed to remove %s from session: %v", user.Username, err)
	}
	debugLog.Printf("User %s removed from session %s", user.Username, a.session.SessionID)
}
