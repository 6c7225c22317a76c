package ipc

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Client is the parent-side half of the Parent Notification Channel: a
// single WebSocket connection to a Server's Unix-domain socket, used by
// both the long-lived haclient facade (which stays connected to receive
// status_update/heartbeat pushes) and hamanagectl (which dials, sends
// one request, and disconnects).
type Client struct {
	ws *websocket.Conn
}

// Dial connects to the manager's Unix-domain socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) {
			return net.Dial("unix", socketPath)
		},
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := dialer.Dial("ws://unix/", http.Header{})
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{ws: ws}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.ws.Close() }

// Send writes one Envelope.
func (c *Client) Send(env Envelope) error { return c.ws.WriteJSON(env) }

// Recv blocks for the next Envelope, or returns an error once deadline
// elapses (0 means no deadline).
func (c *Client) Recv(timeout time.Duration) (Envelope, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Request sends env and waits for the next Envelope, which by protocol
// convention is that request's reply. It is not safe to call Request
// concurrently with another Request or with a background Recv loop on
// the same Client — callers needing both a request/reply cycle and
// asynchronous pushes should use two Clients, which is how haclient's
// Facade is structured.
func (c *Client) Request(env Envelope, timeout time.Duration) (Envelope, error) {
	if err := c.Send(env); err != nil {
		return Envelope{}, err
	}
	return c.Recv(timeout)
}
