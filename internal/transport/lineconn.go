package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ussldb/ussl/internal/protocol"
)

// errConnClosed is returned by ReadLine when the peer closed the
// connection cleanly (scanner exhausted with no error).
var errConnClosed = errors.New("transport: connection closed")

// lineConn abstracts the byte-stream framing difference between a raw TCP
// socket and a WebSocket connection behind a single request-line interface,
// so serveConn (server.go) can drive both transports identically — the
// spec requires "WebSocket frames carry the same byte stream" as TCP.
type lineConn interface {
	ReadLine() (string, error)
	WriteLine(b []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpLineConn reads CRLF-delimited lines off a net.Conn and serializes
// writes behind a mutex so a pushed frame can never interleave mid-reply
// (spec §9 Open Question #1).
type tcpLineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex
}

func newTCPLineConn(conn net.Conn) *tcpLineConn {
	return &tcpLineConn{conn: conn, scanner: protocol.NewLineScanner(conn)}
}

func (c *tcpLineConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", errConnClosed
	}
	return c.scanner.Text(), nil
}

func (c *tcpLineConn) WriteLine(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *tcpLineConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *tcpLineConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *tcpLineConn) Close() error                      { return c.conn.Close() }

// wsLineConn adapts a *websocket.Conn to lineConn: each WebSocket text
// message carries exactly one USSP request or response line, since the
// message framing itself already delimits lines (no CRLF splitting needed
// on read; CRLF is still appended on write so the encoded bytes are
// identical to the TCP transport's, per spec §6).
type wsLineConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSLineConn(conn *websocket.Conn) *wsLineConn {
	return &wsLineConn{conn: conn}
}

func (c *wsLineConn) ReadLine() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return trimCRLF(string(data)), nil
}

func (c *wsLineConn) WriteLine(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsLineConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsLineConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *wsLineConn) Close() error                      { return c.conn.Close() }

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\r' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	return s
}
