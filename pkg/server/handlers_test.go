package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

func routeAndReply(t *testing.T, env *routerEnv, conn *Connection, rx <-chan string, body string) *protocol.ServerMessage {
	t.Helper()
	msg := &protocol.ServerMessage{
		Owner:  conn.OwnerDestination(),
		Sender: conn.OwnerDestination(),
		Body:   body,
	}
	require.NoError(t, env.router.Route(conn, msg))
	reply, err := protocol.ParseServerMessage(receiveText(t, rx))
	require.NoError(t, err)
	return reply
}

func TestChannelLifecycle(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	bob, bobRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")
	env.loginAs(t, bob, bobRx, "bob", "pw")

	reply := routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeChannelCreate, "general"))
	assert.Contains(t, reply.Body, "Channel general created")

	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeChannelJoin, "general"))
	assert.Contains(t, reply.Body, "You joined channel general")

	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeChannelListJoined, ""))
	assert.Contains(t, reply.Body, "general")

	// Channel traffic reaches both members
	send := &protocol.ServerMessage{
		Owner:  alice.OwnerDestination(),
		Sender: alice.OwnerDestination(),
		To:     protocol.Destination{Name: "general", Role: protocol.RoleChannel},
		Body:   protocol.MakeMessage(protocol.CodeSendToChannel, "welcome"),
	}
	require.NoError(t, env.router.Route(alice, send))
	got, err := protocol.ParseServerMessage(receiveText(t, bobRx))
	require.NoError(t, err)
	assert.Equal(t, "welcome", got.Body)
	receiveText(t, aliceRx)

	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeChannelLeave, "general"))
	assert.Contains(t, reply.Body, "You left channel general")

	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeChannelListUnJoined, ""))
	assert.Contains(t, reply.Body, "general")

	// Only the owner can delete
	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeChannelDelete, "general"))
	assert.Contains(t, reply.Body, "Something went wrong")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeChannelDelete, "general"))
	assert.Contains(t, reply.Body, "Channel general deleted")
}

func TestSendToChannelRequiresMembership(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	bob, bobRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")
	env.loginAs(t, bob, bobRx, "bob", "pw")

	routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeChannelCreate, "private"))

	send := &protocol.ServerMessage{
		Owner:  bob.OwnerDestination(),
		Sender: bob.OwnerDestination(),
		To:     protocol.Destination{Name: "private", Role: protocol.RoleChannel},
		Body:   protocol.MakeMessage(protocol.CodeSendToChannel, "let me in"),
	}
	require.NoError(t, env.router.Route(bob, send))
	reply, err := protocol.ParseServerMessage(receiveText(t, bobRx))
	require.NoError(t, err)
	assert.Contains(t, reply.Body, "Something went wrong")
	assertNoMessage(t, aliceRx)
}

func TestDirectMessageViaRouter(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	bob, bobRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")
	env.loginAs(t, bob, bobRx, "bob", "pw")

	bobUser := bob.User()
	require.NotNil(t, bobUser)

	send := &protocol.ServerMessage{
		Owner:  alice.OwnerDestination(),
		Sender: alice.OwnerDestination(),
		To:     protocol.Destination{Identifier: userIdentifier(bobUser.ID), Name: "bob", Role: protocol.RoleUser},
		Body:   protocol.MakeMessage(protocol.CodeSendToUser, "psst"),
	}
	require.NoError(t, env.router.Route(alice, send))

	got, err := protocol.ParseServerMessage(receiveText(t, bobRx))
	require.NoError(t, err)
	assert.Equal(t, "psst", got.Body)
	assertNoMessage(t, aliceRx)
}

func TestUserListsSplitByLoginState(t *testing.T) {
	env := newRouterEnv(t)
	registerUser(t, env.testEnv, "offline-olga", "pw")

	alice, aliceRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")

	reply := routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeUserListAll, ""))
	assert.Contains(t, reply.Body, "alice")
	assert.Contains(t, reply.Body, "offline-olga")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeUserListUnLogged, ""))
	assert.NotContains(t, reply.Body, "alice")
	assert.Contains(t, reply.Body, "offline-olga")
}

func TestChannelUpdateOwnerOnly(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	bob, bobRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")
	env.loginAs(t, bob, bobRx, "bob", "pw")

	routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeChannelCreate, "ops"))

	reply := routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeChannelUpdate, `{"name":"ops","members":["bob"]}`))
	assert.Contains(t, reply.Body, "Something went wrong")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeChannelUpdate, `{"name":"ops","members":["bob"]}`))
	assert.Contains(t, reply.Body, "Channel ops updated")
	assert.Contains(t, reply.Body, "alice", "the owner stays a member")
}

func TestMessageHistoryByScope(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	bob, bobRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")
	env.loginAs(t, bob, bobRx, "bob", "pw")

	routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeGroupCreate, `{"name":"team","members":[]}`))
	routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeChannelCreate, "ops"))

	require.NoError(t, env.db.RecordMessage(env.session.ID, "alice", "alice", "USER", "team", "GROUP", "group note"))
	require.NoError(t, env.db.RecordMessage(env.session.ID, "alice", "alice", "USER", "ops", "CHANNEL", "channel note"))

	reply := routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeMessageListGroup, "team"))
	assert.Contains(t, reply.Body, "group note")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeMessageListChannel, "ops"))
	assert.Contains(t, reply.Body, "channel note")

	// Non-members cannot read either history
	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeMessageListGroup, "team"))
	assert.Contains(t, reply.Body, "Something went wrong")

	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeMessageListChannel, "ops"))
	assert.Contains(t, reply.Body, "Something went wrong")
}

func TestMessageDeleteOwnerOnly(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	bob, bobRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")
	env.loginAs(t, bob, bobRx, "bob", "pw")

	require.NoError(t, env.db.RecordMessage(env.session.ID, "alice", "alice", "USER", "all", "ALL", "take it back"))
	sent, err := env.db.ListSentMessages("alice", 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	id := sent[0].ID

	// Sent history carries the id needed to delete
	reply := routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeMessageListSent, ""))
	assert.Contains(t, reply.Body, fmt.Sprintf("#%d", id))

	reply = routeAndReply(t, env, bob, bobRx, protocol.MakeMessage(protocol.CodeMessageDelete, fmt.Sprintf("%d", id)))
	assert.Contains(t, reply.Body, "Something went wrong")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeMessageDelete, fmt.Sprintf("%d", id)))
	assert.Contains(t, reply.Body, fmt.Sprintf("Message %d deleted", id))

	sent, err = env.db.ListSentMessages("alice", 10)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestGroupUpdateAndLeave(t *testing.T) {
	env := newRouterEnv(t)
	alice, aliceRx := newTestConn(t, env.registry)
	env.loginAs(t, alice, aliceRx, "alice", "pw")

	routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeGroupCreate, `{"name":"team","members":["bob"]}`))

	reply := routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeGroupUpdate, `{"name":"team","members":["carol"]}`))
	assert.Contains(t, reply.Body, "carol")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeGroupList, ""))
	assert.Contains(t, reply.Body, "team")

	reply = routeAndReply(t, env, alice, aliceRx, protocol.MakeMessage(protocol.CodeGroupLeave, "team"))
	assert.Contains(t, reply.Body, "You left group team")
}
