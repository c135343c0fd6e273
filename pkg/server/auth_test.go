package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

func TestLoginCreatesUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := newTestConn(t, env.registry)

	access := env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "secret"))
	assert.Equal(t, AccessCreated, access)

	// The account exists but the connection is not promoted yet
	assert.False(t, conn.IsLogged())
	require.NotNil(t, conn.User())
	assert.Equal(t, "alice", conn.User().Username)
	assert.Zero(t, conn.Attempts(), "account creation is not a denial")

	// Resubmitting the same credentials completes the login
	access = env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "secret"))
	assert.Equal(t, AccessGranted, access)
	assert.True(t, conn.IsLogged())
	assert.Equal(t, "alice", conn.DisplayName())

	_, ok := env.session.MemberUserID("alice")
	assert.True(t, ok, "granted login joins the session membership")
}

func TestLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	registerUser(t, env, "alice", "secret")

	conn, _ := newTestConn(t, env.registry)
	access := env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "wrong"))
	assert.Equal(t, AccessDenied, access)
	assert.False(t, conn.IsLogged())
	assert.Equal(t, 1, conn.Attempts())

	access = env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "also wrong"))
	assert.Equal(t, AccessDenied, access)
	assert.Equal(t, 2, conn.Attempts())

	// The right password still works after failures
	access = env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "secret"))
	assert.Equal(t, AccessGranted, access)
	assert.Equal(t, 2, conn.Attempts(), "granted login does not touch the counter")
}

func TestLoginRejectsForeignToken(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := newTestConn(t, env.registry)

	access := env.auth.Authenticate(conn, loginBody(t, "not-the-issued-token", "alice", "secret"))
	assert.Equal(t, AccessDenied, access)
	assert.Equal(t, 1, conn.Attempts())
}

func TestLoginRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"no envelope", `{"user_id":"x","user_name":"alice","password":"p"}`},
		{"empty name", ""},
		{"not json", protocol.MakeMessage(protocol.CodeLogin, "hello")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, _ := newTestConn(t, env.registry)
			body := tc.body
			if tc.name == "empty name" {
				body = loginBody(t, conn.Token, "", "p")
			}
			assert.Equal(t, AccessDenied, env.auth.Authenticate(conn, body))
		})
	}
}

func TestLoginReplayDenied(t *testing.T) {
	env := newTestEnv(t)
	registerUser(t, env, "alice", "secret")

	conn, _ := newTestConn(t, env.registry)
	require.Equal(t, AccessGranted, env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "secret")))

	// A second LOGIN on an already promoted connection is a replay
	access := env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "secret"))
	assert.Equal(t, AccessDenied, access)
	assert.True(t, conn.IsLogged(), "replay denial leaves the session intact")
}

func TestReconnectionSkipsPassword(t *testing.T) {
	env := newTestEnv(t)
	registerUser(t, env, "alice", "secret")

	// alice is a session member now; a fresh connection may return with
	// just the username.
	conn, _ := newTestConn(t, env.registry)
	body := protocol.MakeMessage(protocol.CodeLogin, `{"user_name":"alice"}`)
	access := env.auth.Authenticate(conn, body)
	assert.Equal(t, AccessGranted, access)
	assert.True(t, conn.IsLogged())
}

func TestReconnectionRequiresMembership(t *testing.T) {
	env := newTestEnv(t)

	conn, _ := newTestConn(t, env.registry)
	body := protocol.MakeMessage(protocol.CodeLogin, `{"user_name":"stranger"}`)
	access := env.auth.Authenticate(conn, body)
	assert.Equal(t, AccessDenied, access)
}

func TestIdentificationCodeAccepted(t *testing.T) {
	env := newTestEnv(t)
	registerUser(t, env, "alice", "secret")

	conn, _ := newTestConn(t, env.registry)
	body := protocol.MakeMessage(protocol.CodeIdentification,
		`{"user_id":"`+conn.Token+`","user_name":"alice","password":"secret"}`)
	assert.Equal(t, AccessGranted, env.auth.Authenticate(conn, body))
}

func TestLogoutLeavesSession(t *testing.T) {
	env := newTestEnv(t)
	registerUser(t, env, "alice", "secret")

	conn, _ := newTestConn(t, env.registry)
	require.Equal(t, AccessGranted, env.auth.Authenticate(conn, loginBody(t, conn.Token, "alice", "secret")))

	env.auth.Logout(conn)
	_, ok := env.session.MemberUserID("alice")
	assert.False(t, ok)
}
