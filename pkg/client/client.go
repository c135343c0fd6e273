package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/chatbox-tcp/chatbox/pkg/protocol"
)

var (
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrLoginAborted  = errors.New("login aborted")
	ErrClientClosed  = errors.New("client is closed")
	ErrLoginExceeded = errors.New("too many login attempts")
)

// maxLoginAttempts bounds the interactive handshake loop.
const maxLoginAttempts = 5

// Presenter receives everything the client wants to show. The terminal
// UI implements it; tests plug in a recorder.
type Presenter interface {
	// Display renders one chat message.
	Display(msg *protocol.ServerMessage)
	// DisplayNotice renders out-of-band text (handshake replies,
	// connection notices).
	DisplayNotice(text string)
	// PromptCredentials collects a username and password. attempt starts
	// at 1 and increments on every denial.
	PromptCredentials(attempt int) (username, password string, err error)
}

// Session mirrors the server's view of this connection: the issued
// token, the account identity and the session it belongs to.
type Session struct {
	mu        sync.Mutex
	token     string
	userID    int64
	username  string
	sessionID string
	logged    bool
}

func (s *Session) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) IsLogged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logged
}

func (s *Session) setCreated(id int64, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
	s.token = token
}

func (s *Session) setLogged(username, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
	s.sessionID = sessionID
	s.logged = true
}

func (s *Session) setLoggedOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logged = false
}

// Client is one connection to a chat server. After Login succeeds, Run
// pumps inbound messages to the presenter and drains the outbound queue
// until the connection dies or Close is called.
type Client struct {
	addr      string
	conn      net.Conn
	presenter Presenter
	session   Session

	writeMu sync.Mutex

	incoming  chan string
	outgoing  chan string
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to a server over TCP.
func Dial(addr string, presenter Presenter) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return NewClient(conn, addr, presenter), nil
}

// NewClient wraps an established connection. Dial is the usual entry
// point; tests hand in one end of a pipe.
func NewClient(conn net.Conn, addr string, presenter Presenter) *Client {
	return &Client{
		addr:      addr,
		conn:      conn,
		presenter: presenter,
		incoming:  make(chan string, 100),
		outgoing:  make(chan string, 100),
		shutdown:  make(chan struct{}),
	}
}

// Session exposes the client's session mirror.
func (c *Client) Session() *Session {
	return &c.session
}

func (c *Client) writeText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteText(c.conn, text)
}

// Login runs the handshake: receive the issued token, then submit
// credentials until the server grants access. A LOGIN_CREATED reply
// means the account was just registered; the same credentials are
// resubmitted once to confirm the password.
func (c *Client) Login() error {
	greeting, err := protocol.ReadText(c.conn)
	if err != nil {
		return fmt.Errorf("failed to read greeting: %w", err)
	}
	token, ok := protocol.GetMessage(protocol.CodeIdentificationRequired, greeting)
	if !ok {
		return fmt.Errorf("unexpected greeting: %s", firstLine(greeting))
	}
	c.session.setToken(token)

	for attempt := 1; attempt <= maxLoginAttempts; attempt++ {
		username, password, err := c.presenter.PromptCredentials(attempt)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLoginAborted, err)
		}

		confirming := false
		for {
			if err := c.sendLogin(username, password); err != nil {
				return err
			}

			reply, err := protocol.ReadText(c.conn)
			if err != nil {
				return fmt.Errorf("failed to read login reply: %w", err)
			}

			switch {
			case protocol.CodeIn(protocol.CodeLoginSuccess, reply):
				body, _ := protocol.GetMessage(protocol.CodeLoginSuccess, reply)
				var payload protocol.LoginSuccessPayload
				if err := json.Unmarshal([]byte(body), &payload); err != nil {
					return fmt.Errorf("failed to parse login reply: %w", err)
				}
				c.session.setCreated(payload.ID, c.session.Token())
				c.session.setLogged(username, payload.SessionID)
				c.presenter.DisplayNotice(fmt.Sprintf("Logged in as %s (session %s)", username, payload.SessionID))
				return nil

			case protocol.CodeIn(protocol.CodeLoginCreated, reply):
				if confirming {
					return fmt.Errorf("server kept the account pending after confirmation")
				}
				body, _ := protocol.GetMessage(protocol.CodeLoginCreated, reply)
				var payload protocol.LoginCreatedPayload
				if err := json.Unmarshal([]byte(body), &payload); err != nil {
					return fmt.Errorf("failed to parse account reply: %w", err)
				}
				c.session.setCreated(payload.ID, payload.UserToken)
				c.presenter.DisplayNotice(fmt.Sprintf("Account %s created, confirming password", username))
				confirming = true
				continue

			case protocol.CodeIn(protocol.CodeIdentificationRequired, reply):
				if newToken, ok := protocol.GetMessage(protocol.CodeIdentificationRequired, reply); ok && newToken != "" {
					c.session.setToken(newToken)
				}
				c.presenter.DisplayNotice("Access denied, try again")

			default:
				c.presenter.DisplayNotice(firstLine(reply))
			}
			break
		}
	}
	return ErrLoginExceeded
}

func (c *Client) sendLogin(username, password string) error {
	info := protocol.LoginInfo{
		UserToken: c.session.Token(),
		UserName:  username,
		Password:  password,
	}
	body, err := info.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	return c.writeText(protocol.MakeMessage(protocol.CodeLogin, body))
}

// Run starts the receiver, dispatcher and sender goroutines and blocks
// until the connection terminates. The receiver only reads the socket
// and queues raw text; the dispatcher drains the queue and renders, so
// a slow presenter backpressures the read without blocking writes.
func (c *Client) Run() error {
	if !c.session.IsLogged() {
		return ErrNotLoggedIn
	}

	errs := make(chan error, 3)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.receiveLoop()
		close(c.incoming)
		errs <- err
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchLoop()
		errs <- nil
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		errs <- c.sendLoop()
	}()

	err := <-errs
	c.Close()
	c.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) receiveLoop() error {
	for {
		text, err := protocol.ReadText(c.conn)
		if err != nil {
			select {
			case <-c.shutdown:
				return nil
			default:
			}
			// The server closing the socket after LOGOUT or QUIT is a
			// normal end of conversation.
			if errors.Is(err, io.EOF) {
				c.presenter.DisplayNotice("Server closed the connection")
				return nil
			}
			return err
		}
		c.incoming <- text
	}
}

// dispatchLoop drains queued inbound text and renders it. It keeps
// going until the receiver closes the queue, so nothing already read
// off the wire is lost on shutdown.
func (c *Client) dispatchLoop() {
	for text := range c.incoming {
		if msg, err := protocol.ParseServerMessage(text); err == nil {
			c.presenter.Display(msg)
			continue
		}
		// Handshake-style replies (logout farewell and the like)
		c.presenter.DisplayNotice(firstLine(text))
	}
}

func (c *Client) sendLoop() error {
	for {
		select {
		case <-c.shutdown:
			return nil
		case text := <-c.outgoing:
			if err := c.writeText(text); err != nil {
				return err
			}
		}
	}
}

// enqueue hands a serialized message to the sender goroutine.
func (c *Client) enqueue(text string) error {
	select {
	case c.outgoing <- text:
		return nil
	case <-c.shutdown:
		return ErrClientClosed
	}
}

func (c *Client) sender() protocol.Destination {
	return protocol.Destination{
		Identifier: fmt.Sprintf("%d", c.session.UserID()),
		Name:       c.session.Username(),
		Role:       protocol.RoleUser,
	}
}

// send wraps body in a command envelope addressed to a destination.
func (c *Client) send(code protocol.Code, to protocol.Destination, body string) error {
	if !c.session.IsLogged() {
		return ErrNotLoggedIn
	}
	msg := protocol.NewMessage(c.sender(), to, protocol.MakeMessage(code, body))
	text, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.enqueue(text)
}

// SendToAll broadcasts to every connected client.
func (c *Client) SendToAll(body string) error {
	to := protocol.Destination{Identifier: "all", Name: "all", Role: protocol.RoleAll}
	return c.send(protocol.CodeSendToAll, to, body)
}

// SendToUser sends a direct message by user id.
func (c *Client) SendToUser(userID int64, name, body string) error {
	to := protocol.Destination{
		Identifier: fmt.Sprintf("%d", userID),
		Name:       name,
		Role:       protocol.RoleUser,
	}
	return c.send(protocol.CodeSendToUser, to, body)
}

// SendToGroup sends to every live member of a group.
func (c *Client) SendToGroup(group, body string) error {
	to := protocol.Destination{Name: group, Role: protocol.RoleGroup}
	return c.send(protocol.CodeSendToGroup, to, body)
}

// SendToChannel sends to every live member of a channel.
func (c *Client) SendToChannel(channel, body string) error {
	to := protocol.Destination{Name: channel, Role: protocol.RoleChannel}
	return c.send(protocol.CodeSendToChannel, to, body)
}

// Command issues a non-chat command such as a list request or a group
// operation. body depends on the command; many take none.
func (c *Client) Command(code protocol.Code, body string) error {
	return c.send(code, protocol.Destination{}, body)
}

// CreateGroup creates a group with the given members.
func (c *Client) CreateGroup(name string, members []string) error {
	payload, err := json.Marshal(map[string]any{"name": name, "members": members})
	if err != nil {
		return fmt.Errorf("failed to encode group payload: %w", err)
	}
	return c.send(protocol.CodeGroupCreate, protocol.Destination{}, string(payload))
}

// Logout tells the server to drop the session membership. The server
// stops routing for this connection afterwards.
func (c *Client) Logout() error {
	err := c.send(protocol.CodeLogout, protocol.Destination{}, "")
	if err == nil {
		c.session.setLoggedOut()
	}
	return err
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		err = c.conn.Close()
	})
	return err
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
