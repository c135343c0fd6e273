package client

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

// scriptedPresenter records displayed output and feeds canned
// credentials into the handshake.
type scriptedPresenter struct {
	mu          sync.Mutex
	credentials [][2]string
	attempts    int
	messages    []*protocol.ServerMessage
	notices     []string
	displayed   chan struct{}
}

func newScriptedPresenter(creds ...[2]string) *scriptedPresenter {
	return &scriptedPresenter{
		credentials: creds,
		displayed:   make(chan struct{}, 16),
	}
}

func (p *scriptedPresenter) Display(msg *protocol.ServerMessage) {
	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()
	p.displayed <- struct{}{}
}

func (p *scriptedPresenter) DisplayNotice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, text)
}

func (p *scriptedPresenter) PromptCredentials(attempt int) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = attempt
	idx := attempt - 1
	if idx >= len(p.credentials) {
		idx = len(p.credentials) - 1
	}
	return p.credentials[idx][0], p.credentials[idx][1], nil
}

func (p *scriptedPresenter) lastNotices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.notices...)
}

// fakeServer drives the server side of a pipe for handshake tests.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
}

func newClientPair(t *testing.T, presenter Presenter) (*Client, *fakeServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		serverSide.Close()
	})
	return NewClient(clientSide, "pipe", presenter), &fakeServer{t: t, conn: serverSide}
}

func (s *fakeServer) send(text string) {
	s.t.Helper()
	require.NoError(s.t, protocol.WriteText(s.conn, text))
}

func (s *fakeServer) recv() string {
	s.t.Helper()
	text, err := protocol.ReadText(s.conn)
	require.NoError(s.t, err)
	return text
}

func (s *fakeServer) recvLogin() *protocol.LoginInfo {
	s.t.Helper()
	text := s.recv()
	body, ok := protocol.GetMessage(protocol.CodeLogin, text)
	require.True(s.t, ok, "expected a login command, got: %s", text)
	info, err := protocol.ParseLoginInfo(body)
	require.NoError(s.t, err)
	return info
}

func successReply(t *testing.T, id int64, sessionID string) string {
	t.Helper()
	payload, err := json.Marshal(protocol.LoginSuccessPayload{ID: id, SessionID: sessionID})
	require.NoError(t, err)
	return protocol.MakeMessage(protocol.CodeLoginSuccess, string(payload))
}

func createdReply(t *testing.T, id int64, token string) string {
	t.Helper()
	payload, err := json.Marshal(protocol.LoginCreatedPayload{ID: id, UserToken: token})
	require.NoError(t, err)
	return protocol.MakeMessage(protocol.CodeLoginCreated, string(payload))
}

func TestLoginHappyPath(t *testing.T) {
	presenter := newScriptedPresenter([2]string{"alice", "secret"})
	client, server := newClientPair(t, presenter)

	done := make(chan error, 1)
	go func() { done <- client.Login() }()

	server.send(protocol.MakeMessage(protocol.CodeIdentificationRequired, "token-1"))

	info := server.recvLogin()
	assert.Equal(t, "token-1", info.UserToken)
	assert.Equal(t, "alice", info.UserName)
	assert.Equal(t, "secret", info.Password)

	server.send(successReply(t, 7, "sess-42"))

	require.NoError(t, <-done)
	assert.True(t, client.Session().IsLogged())
	assert.Equal(t, "alice", client.Session().Username())
	assert.Equal(t, "sess-42", client.Session().SessionID())
	assert.Equal(t, int64(7), client.Session().UserID())
}

func TestLoginCreatesAccountThenConfirms(t *testing.T) {
	presenter := newScriptedPresenter([2]string{"newbie", "pw"})
	client, server := newClientPair(t, presenter)

	done := make(chan error, 1)
	go func() { done <- client.Login() }()

	server.send(protocol.MakeMessage(protocol.CodeIdentificationRequired, "token-1"))

	first := server.recvLogin()
	assert.Equal(t, "newbie", first.UserName)
	server.send(createdReply(t, 3, "token-1"))

	// The client resubmits the same credentials without reprompting
	second := server.recvLogin()
	assert.Equal(t, first, second)
	server.send(successReply(t, 3, "sess-1"))

	require.NoError(t, <-done)
	assert.Equal(t, 1, presenter.attempts, "confirmation must not reprompt")
	assert.Equal(t, int64(3), client.Session().UserID())
}

func TestLoginRetriesOnDenial(t *testing.T) {
	presenter := newScriptedPresenter(
		[2]string{"alice", "wrong"},
		[2]string{"alice", "right"},
	)
	client, server := newClientPair(t, presenter)

	done := make(chan error, 1)
	go func() { done <- client.Login() }()

	server.send(protocol.MakeMessage(protocol.CodeIdentificationRequired, "token-1"))

	first := server.recvLogin()
	assert.Equal(t, "wrong", first.Password)
	server.send(protocol.MakeMessage(protocol.CodeIdentificationRequired, "token-2"))

	// Denial replies refresh the token for the retry
	second := server.recvLogin()
	assert.Equal(t, "token-2", second.UserToken)
	assert.Equal(t, "right", second.Password)
	server.send(successReply(t, 1, "sess-1"))

	require.NoError(t, <-done)
	assert.Equal(t, 2, presenter.attempts)
	assert.Contains(t, presenter.lastNotices(), "Access denied, try again")
}

func TestLoginRejectsBadGreeting(t *testing.T) {
	presenter := newScriptedPresenter([2]string{"alice", "pw"})
	client, server := newClientPair(t, presenter)

	done := make(chan error, 1)
	go func() { done <- client.Login() }()

	server.send("welcome to nothing")
	assert.Error(t, <-done)
}

func TestRunDispatchesMessagesAndSends(t *testing.T) {
	presenter := newScriptedPresenter([2]string{"alice", "pw"})
	client, server := newClientPair(t, presenter)

	loginDone := make(chan error, 1)
	go func() { loginDone <- client.Login() }()
	server.send(protocol.MakeMessage(protocol.CodeIdentificationRequired, "token-1"))
	server.recvLogin()
	server.send(successReply(t, 1, "sess-1"))
	require.NoError(t, <-loginDone)

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run() }()

	// Inbound chat reaches the presenter
	inbound := protocol.NewServerMessage(
		protocol.Destination{Identifier: "2", Name: "bob", Role: protocol.RoleUser},
		protocol.Destination{Identifier: "2", Name: "bob", Role: protocol.RoleUser},
		protocol.Destination{Identifier: "all", Name: "all", Role: protocol.RoleAll},
		"hi all",
	)
	text, err := inbound.ToJSON()
	require.NoError(t, err)
	server.send(text)

	select {
	case <-presenter.displayed:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the presenter")
	}
	require.Len(t, presenter.messages, 1)
	assert.Equal(t, "hi all", presenter.messages[0].Body)

	// Outbound chat goes through the sender goroutine
	require.NoError(t, client.SendToAll("hello back"))
	out := server.recv()
	msg, err := protocol.ParseMessage(out)
	require.NoError(t, err)
	assert.Equal(t, protocol.RoleAll, msg.To.Role)
	body, ok := protocol.GetMessage(protocol.CodeSendToAll, msg.Body)
	require.True(t, ok)
	assert.Equal(t, "hello back", body)

	require.NoError(t, client.Close())
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate after close")
	}
}

func TestSendRequiresLogin(t *testing.T) {
	presenter := newScriptedPresenter([2]string{"alice", "pw"})
	client, _ := newClientPair(t, presenter)

	assert.ErrorIs(t, client.SendToAll("nope"), ErrNotLoggedIn)
	assert.ErrorIs(t, client.Run(), ErrNotLoggedIn)
}

func TestDirectAndGroupEnvelopes(t *testing.T) {
	presenter := newScriptedPresenter([2]string{"alice", "pw"})
	client, server := newClientPair(t, presenter)

	loginDone := make(chan error, 1)
	go func() { loginDone <- client.Login() }()
	server.send(protocol.MakeMessage(protocol.CodeIdentificationRequired, "t"))
	server.recvLogin()
	server.send(successReply(t, 1, "s"))
	require.NoError(t, <-loginDone)

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run() }()

	require.NoError(t, client.SendToUser(9, "bob", "psst"))
	msg, err := protocol.ParseMessage(server.recv())
	require.NoError(t, err)
	assert.Equal(t, "9", msg.To.Identifier)
	assert.Equal(t, protocol.RoleUser, msg.To.Role)

	require.NoError(t, client.SendToGroup("devs", "standup"))
	msg, err = protocol.ParseMessage(server.recv())
	require.NoError(t, err)
	assert.Equal(t, "devs", msg.To.Name)
	assert.Equal(t, protocol.RoleGroup, msg.To.Role)

	require.NoError(t, client.Command(protocol.CodeUserListLogged, ""))
	msg, err = protocol.ParseMessage(server.recv())
	require.NoError(t, err)
	assert.True(t, protocol.CodeIn(protocol.CodeUserListLogged, msg.Body))

	client.Close()
	<-runDone
}
