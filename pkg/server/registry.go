package server

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chatbox-tcp/chatbox/pkg/database"
	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// ConnState is the authentication state of a connection.
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
)

func (s ConnState) String() string {
	if s == StateAuthenticated {
		return "AUTHENTICATED"
	}
	return "UNAUTHENTICATED"
}

// PublicName is the display name of a connection that has not logged in.
const PublicName = "PUBLIC_USER"

// Connection is one accepted socket and its server-side state. Writes
// are synchronized so broadcast and reply frames never interleave on
// the wire.
type Connection struct {
	Identifier string // stable for the socket's lifetime
	Token      string // issued at accept, echoed back during login
	RemoteAddr string

	conn    net.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	state         ConnState
	displayName   string
	loginAttempts int
	user          *database.User
}

// WriteText frames and writes one text message. This is the only way to
// write to the socket; the raw conn is private.
func (c *Connection) WriteText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteText(c.conn, text)
}

// ReadText reads one framed text message. Only the connection's own
// receive goroutine calls this.
func (c *Connection) ReadText() (string, error) {
	return protocol.ReadText(c.conn)
}

// Close shuts the socket down in both directions and closes it. The
// receive loop exits on its next blocked read.
func (c *Connection) Close() error {
	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		tcpConn.CloseRead()
		tcpConn.CloseWrite()
	}
	return c.conn.Close()
}

// IsLogged reports whether the connection passed the authentication gate.
func (c *Connection) IsLogged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAuthenticated
}

// DisplayName returns the connection's visible name: the username after
// login, PUBLIC_USER before.
func (c *Connection) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// User returns the attached user record, nil until authenticated (or
// until a CREATED outcome attaches the freshly created record).
func (c *Connection) User() *database.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// AttachUser associates a user record without changing auth state. Used
// for the CREATED outcome, where the id must be echoed back before the
// password is confirmed.
func (c *Connection) AttachUser(user *database.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
}

// IncrementAttempts bumps the login attempt counter and returns it.
func (c *Connection) IncrementAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loginAttempts++
	return c.loginAttempts
}

// Attempts returns the login attempt counter.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginAttempts
}

func (c *Connection) setLoggedIn(user *database.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAuthenticated
	c.user = user
	c.displayName = user.Username
}

// OwnerDestination describes this connection as a message owner.
func (c *Connection) OwnerDestination() protocol.Destination {
	c.mu.Lock()
	defer c.mu.Unlock()

	identifier := c.Identifier
	if c.user != nil {
		identifier = userIdentifier(c.user.ID)
	}
	return protocol.Destination{
		Identifier: identifier,
		Name:       c.displayName,
		Role:       protocol.RoleUser,
	}
}

// userIdentifier renders a user id the way destinations carry it.
func userIdentifier(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Registry holds the two disjoint sets of live connections. A given
// identifier exists in exactly one of the two maps at any time; every
// mutation and every iteration happens under one mutex.
type Registry struct {
	mu              sync.Mutex
	unauthenticated map[string]*Connection
	authenticated   map[string]*Connection
	nextID          atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		unauthenticated: make(map[string]*Connection),
		authenticated:   make(map[string]*Connection),
	}
}

// Accept wraps a raw socket into a Connection, allocates its identifier
// and token, and inserts it into the unauthenticated map.
func (r *Registry) Accept(conn net.Conn) *Connection {
	seq := r.nextID.Add(1)
	remote := conn.RemoteAddr().String()

	c := &Connection{
		Identifier:  fmt.Sprintf("%d@%s", seq, remote),
		Token:       uuid.NewString(),
		RemoteAddr:  remote,
		conn:        conn,
		state:       StateUnauthenticated,
		displayName: PublicName,
	}

	r.mu.Lock()
	r.unauthenticated[c.Identifier] = c
	r.mu.Unlock()
	return c
}

// Promote atomically moves a connection from the unauthenticated to the
// authenticated map and attaches the user record. Returns false, without
// mutating anything, when the identifier is not currently
// unauthenticated; the caller must treat that as a protocol violation.
func (r *Registry) Promote(identifier string, user *database.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.unauthenticated[identifier]
	if !ok {
		return false
	}
	delete(r.unauthenticated, identifier)
	c.setLoggedIn(user)
	r.authenticated[identifier] = c
	return true
}

// Remove deletes the connection from whichever map holds it. Idempotent.
func (r *Registry) Remove(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unauthenticated, identifier)
	delete(r.authenticated, identifier)
}

// Lookup finds a connection by identifier, authenticated map first.
func (r *Registry) Lookup(identifier string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.authenticated[identifier]; ok {
		return c, true
	}
	c, ok := r.unauthenticated[identifier]
	return c, ok
}

// IsUnauthenticated reports whether the identifier is currently in the
// unauthenticated map.
func (r *Registry) IsUnauthenticated(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.unauthenticated[identifier]
	return ok
}

// Authenticated returns a snapshot of the authenticated connections.
// Callers iterate the snapshot, never the live map.
func (r *Registry) Authenticated() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.authenticated))
	for _, c := range r.authenticated {
		conns = append(conns, c)
	}
	return conns
}

// All returns a snapshot of every live connection in both maps.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.unauthenticated)+len(r.authenticated))
	for _, c := range r.unauthenticated {
		conns = append(conns, c)
	}
	for _, c := range r.authenticated {
		conns = append(conns, c)
	}
	return conns
}

// Counts returns the number of unauthenticated and authenticated
// connections.
func (r *Registry) Counts() (unauthenticated, authenticated int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unauthenticated), len(r.authenticated)
}

// CloseAll closes every live connection and empties both maps.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.unauthenticated {
		c.Close()
	}
	for _, c := range r.authenticated {
		c.Close()
	}
	r.unauthenticated = make(map[string]*Connection)
	r.authenticated = make(map[string]*Connection)
}
