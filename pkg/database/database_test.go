package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "chatbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUserLifecycle(t *testing.T) {
	db := openTestDB(t)

	_, err := db.GetUserByName("alice")
	assert.ErrorIs(t, err, ErrUserNotFound)

	created, err := db.CreateUser("alice", "hash-1")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	byName, err := db.GetUserByName("alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)
	assert.Equal(t, "hash-1", byName.PasswordHash)

	byID, err := db.GetUserByID(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	// Duplicate username violates the unique constraint
	_, err = db.CreateUser("alice", "hash-2")
	assert.Error(t, err)

	_, err = db.CreateUser("bob", "hash-3")
	require.NoError(t, err)
	names, err := db.ListUsernames()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, names)
}

func TestSessionMembership(t *testing.T) {
	db := openTestDB(t)

	sess, err := db.OpenSession()
	require.NoError(t, err)
	assert.NotEmpty(t, sess.SessionID)

	alice, err := db.CreateUser("alice", "h")
	require.NoError(t, err)

	_, ok := sess.MemberUserID("alice")
	assert.False(t, ok)

	require.NoError(t, db.AddMember(sess, alice))
	id, ok := sess.MemberUserID("alice")
	require.True(t, ok)
	assert.Equal(t, alice.ID, id)
	assert.Equal(t, []string{"alice"}, sess.MemberNames())

	require.NoError(t, db.RemoveMember(sess, alice))
	_, ok = sess.MemberUserID("alice")
	assert.False(t, ok)

	require.NoError(t, db.CreateUserLogin(alice.ID, sess.ID, 2))
}

func TestGroupOwnership(t *testing.T) {
	db := openTestDB(t)

	g, err := db.CreateGroup("devs", "alice", []string{"bob"})
	require.NoError(t, err)
	assert.True(t, g.IsMember("alice"), "owner is always a member")
	assert.True(t, g.IsMember("bob"))

	_, err = db.UpdateGroupMembers("devs", "bob", []string{"bob"})
	assert.ErrorIs(t, err, ErrNotOwner)

	updated, err := db.UpdateGroupMembers("devs", "alice", []string{"carol"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol", "alice"}, updated.Members)

	left, err := db.LeaveGroup("devs", "carol")
	require.NoError(t, err)
	assert.False(t, left.IsMember("carol"))

	assert.ErrorIs(t, db.DeleteGroup("devs", "bob"), ErrNotOwner)
	require.NoError(t, db.DeleteGroup("devs", "alice"))
	_, err = db.GetGroupByName("devs")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestChannelJoinLeave(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateChannel("general", "alice")
	require.NoError(t, err)

	c, err := db.JoinChannel("general", "bob")
	require.NoError(t, err)
	assert.True(t, c.IsMember("bob"))

	// Joining twice is a no-op
	c, err = db.JoinChannel("general", "bob")
	require.NoError(t, err)
	assert.Len(t, c.Members, 2)

	c, err = db.LeaveChannel("general", "bob")
	require.NoError(t, err)
	assert.False(t, c.IsMember("bob"))

	channels, err := db.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestMessageHistory(t *testing.T) {
	db := openTestDB(t)

	sess, err := db.OpenSession()
	require.NoError(t, err)

	require.NoError(t, db.RecordMessage(sess.ID, "alice", "alice", "USER", "bob", "USER", "hi bob"))
	require.NoError(t, db.RecordMessage(sess.ID, "alice", "alice", "USER", "alice", "ALL", "hi everyone"))
	require.NoError(t, db.RecordMessage(sess.ID, "carol", "carol", "USER", "dave", "USER", "private"))

	sent, err := db.ListSentMessages("alice", 10)
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	received, err := db.ListReceivedMessages("bob", 10)
	require.NoError(t, err)
	// Direct message plus the all-broadcast; carol's private line excluded
	require.Len(t, received, 2)
	for _, m := range received {
		assert.NotEqual(t, "private", m.Body)
	}
}

func TestMessageHistoryByDestination(t *testing.T) {
	db := openTestDB(t)

	sess, err := db.OpenSession()
	require.NoError(t, err)

	require.NoError(t, db.RecordMessage(sess.ID, "alice", "alice", "USER", "devs", "GROUP", "group note"))
	require.NoError(t, db.RecordMessage(sess.ID, "bob", "bob", "USER", "ops", "CHANNEL", "channel note"))
	require.NoError(t, db.RecordMessage(sess.ID, "alice", "alice", "USER", "devs", "CHANNEL", "same name, other scope"))

	group, err := db.ListGroupMessages("devs", 10)
	require.NoError(t, err)
	require.Len(t, group, 1)
	assert.Equal(t, "group note", group[0].Body)

	channel, err := db.ListChannelMessages("ops", 10)
	require.NoError(t, err)
	require.Len(t, channel, 1)
	assert.Equal(t, "channel note", channel[0].Body)
}

func TestMessageDelete(t *testing.T) {
	db := openTestDB(t)

	sess, err := db.OpenSession()
	require.NoError(t, err)

	require.NoError(t, db.RecordMessage(sess.ID, "alice", "alice", "USER", "bob", "USER", "regret"))
	sent, err := db.ListSentMessages("alice", 10)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	id := sent[0].ID

	assert.ErrorIs(t, db.DeleteMessage(id, "bob"), ErrNotOwner)
	require.NoError(t, db.DeleteMessage(id, "alice"))

	_, err = db.GetMessage(id)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, db.DeleteMessage(id, "alice"), ErrMessageNotFound)
}

func TestSeedDefaultChannels(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SeedDefaultChannels())
	channels, err := db.ListChannels()
	require.NoError(t, err)
	require.Len(t, channels, 2)

	// Seeding again changes nothing
	require.NoError(t, db.SeedDefaultChannels())
	channels, err = db.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 2)

	c, err := db.GetChannelByName("welcome")
	require.NoError(t, err)
	assert.Equal(t, "server", c.Owner)
}
