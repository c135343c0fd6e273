package server

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatbox-tcp/chatbox/pkg/database"
	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// testEnv bundles the collaborators most server tests need.
type testEnv struct {
	db       *database.DB
	session  *database.ServerSession
	registry *Registry
	auth     *Authenticator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "chatbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	session, err := db.OpenSession()
	require.NoError(t, err)

	registry := NewRegistry()
	return &testEnv{
		db:       db,
		session:  session,
		registry: registry,
		auth:     NewAuthenticator(registry, db, session, nil),
	}
}

// newTestConn registers one end of a pipe with the registry and drains
// the other end into a channel, one decoded text per element. Without
// the drain goroutine every WriteText would deadlock on the pipe.
func newTestConn(t *testing.T, registry *Registry) (*Connection, <-chan string) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	received := make(chan string, 64)
	go func() {
		for {
			text, err := protocol.ReadText(clientSide)
			if err != nil {
				close(received)
				return
			}
			received <- text
		}
	}()

	return registry.Accept(serverSide), received
}

// loginBody builds the JSON login payload wrapped in the LOGIN envelope.
func loginBody(t *testing.T, token, username, password string) string {
	t.Helper()
	return protocol.MakeMessage(protocol.CodeLogin,
		`{"user_id":"`+token+`","user_name":"`+username+`","password":"`+password+`"}`)
}

// registerUser creates a user with a bcrypt hash the authenticator will
// accept for the given password.
func registerUser(t *testing.T, env *testEnv, username, password string) *database.User {
	t.Helper()

	conn, _ := newTestConn(t, env.registry)
	access := env.auth.Authenticate(conn, loginBody(t, conn.Token, username, password))
	require.Equal(t, AccessCreated, access)
	access = env.auth.Authenticate(conn, loginBody(t, conn.Token, username, password))
	require.Equal(t, AccessGranted, access)

	user := conn.User()
	require.NotNil(t, user)

	// The registration connection is not part of the scenario
	env.registry.Remove(conn.Identifier)
	return user
}
