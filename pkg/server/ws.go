package server

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The chat protocol does its own authentication; browser origin
	// checks do not apply to it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades an HTTP request and feeds the socket into
// the same accept path as plain TCP. One websocket binary message
// carries exactly one protocol frame.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.wg.Add(1)
	s.handleConnection(newWSNetConn(ws))
}

// wsNetConn adapts a websocket connection to net.Conn so the framed
// codec can run over it unchanged. Writes buffer until Flush, which
// ships the frame as a single binary message; reads drain one inbound
// message at a time.
type wsNetConn struct {
	ws *websocket.Conn

	writeMu  sync.Mutex
	writeBuf bytes.Buffer

	readMu sync.Mutex
	reader io.Reader
}

func newWSNetConn(ws *websocket.Conn) *wsNetConn {
	return &wsNetConn{ws: ws}
}

func (c *wsNetConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			_, reader, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = reader
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Message exhausted; move on to the next one
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsNetConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeBuf.Write(p)
}

// Flush ships the buffered frame as one binary message.
func (c *wsNetConn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeBuf.Len() == 0 {
		return nil
	}
	err := c.ws.WriteMessage(websocket.BinaryMessage, c.writeBuf.Bytes())
	c.writeBuf.Reset()
	return err
}

func (c *wsNetConn) Close() error {
	return c.ws.Close()
}

func (c *wsNetConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsNetConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsNetConn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *wsNetConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsNetConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
