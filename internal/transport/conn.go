package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/a2a-fabric/internal/config"
	"github.com/nulpointcorp/a2a-fabric/internal/metrics"
	"github.com/nulpointcorp/a2a-fabric/internal/wire"
	"github.com/nulpointcorp/a2a-fabric/pkg/a2aerr"
)

// State is the connection lifecycle state.
// connecting → connected → (reconnecting ↔ connected)* → closed.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one live channel to a peer. The protocol-specific handle
// (link) can be swapped during reconnection while the Connection identity,
// counters and response listeners survive.
type Connection struct {
	ID       string
	PeerID   string
	Protocol string

	cfg config.PeerConfig

	mu        sync.Mutex
	link      link
	listeners map[string]chan *wire.Message

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	errorCount       atomic.Int64

	openedAt time.Time
	metrics  *metrics.Registry
}

func newConnection(peerID string, pc config.PeerConfig, m *metrics.Registry) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Protocol:  pc.Protocol,
		cfg:       pc,
		listeners: make(map[string]chan *wire.Message),
		openedAt:  time.Now(),
		metrics:   m,
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Connected reports whether the connection can carry traffic right now.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// LastActivity is the time of the most recent send, receive or ping.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// attachLink installs the protocol handle. Used on first connect and when a
// reconnect re-establishes the channel; listeners registered before the swap
// keep waiting for their responses.
func (c *Connection) attachLink(l link) {
	c.mu.Lock()
	old := c.link
	c.link = l
	c.mu.Unlock()

	if old != nil {
		_ = old.close()
	}
}

func (c *Connection) closeLink() {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l != nil {
		_ = l.close()
	}
}

// synchronous reports whether the current link returns responses directly
// from send (HTTP/2 and gRPC) instead of through the receive loop.
func (c *Connection) synchronous() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil && c.link.synchronous()
}

// send serializes msg and transmits it on the current link. For synchronous
// links the decoded response is returned; stream links return (nil, nil) and
// the response arrives via handleInbound.
func (c *Connection) send(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l == nil || !c.Connected() {
		return nil, a2aerr.Newf(a2aerr.TypeAgentUnavailable,
			"connection %s to peer %s is not connected", c.ID, c.PeerID).
			WithSource("transport")
	}

	raw, err := l.send(ctx, msg, data)
	if err != nil {
		c.errorCount.Add(1)
		return nil, err
	}

	c.messagesSent.Add(1)
	c.bytesSent.Add(int64(len(data)))
	c.touch()
	if c.metrics != nil {
		c.metrics.RecordMessage("sent", c.Protocol, len(data))
	}

	if len(raw) == 0 {
		return nil, nil
	}

	c.messagesReceived.Add(1)
	c.bytesReceived.Add(int64(len(raw)))
	if c.metrics != nil {
		c.metrics.RecordMessage("received", c.Protocol, len(raw))
	}

	resp, err := wire.Decode(raw)
	if err != nil {
		c.errorCount.Add(1)
		return nil, err
	}
	return resp, nil
}

// handleInbound routes a message from the receive loop to the listener
// waiting on its id. Messages with unknown or missing ids are discarded;
// broadcasts and server pushes legitimately produce them.
func (c *Connection) handleInbound(msg *wire.Message, rawBytes int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(int64(rawBytes))
	c.touch()
	if c.metrics != nil {
		c.metrics.RecordMessage("received", c.Protocol, rawBytes)
	}

	if !msg.IsResponse() {
		return
	}
	key := msg.IDKey()
	if key == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.listeners[key]
	if ok {
		delete(c.listeners, key)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg // buffered, one-shot; never blocks
	}
}

// addListener registers a one-shot response channel for a message id.
func (c *Connection) addListener(key string) chan *wire.Message {
	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.listeners[key] = ch
	c.mu.Unlock()
	return ch
}

// removeListener tears down the listener for key. Safe to call after the
// response was already delivered.
func (c *Connection) removeListener(key string) {
	c.mu.Lock()
	delete(c.listeners, key)
	c.mu.Unlock()
}

func (c *Connection) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Info is a point-in-time snapshot of a connection's identity and counters.
type Info struct {
	ID           string
	PeerID       string
	Protocol     string
	State        string
	OpenedAt     time.Time
	LastActivity time.Time

	BytesSent        int64
	BytesReceived    int64
	MessagesSent     int64
	MessagesReceived int64
	Errors           int64
}

func (c *Connection) Info() Info {
	return Info{
		ID:               c.ID,
		PeerID:           c.PeerID,
		Protocol:         c.Protocol,
		State:            c.State().String(),
		OpenedAt:         c.openedAt,
		LastActivity:     c.LastActivity(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		Errors:           c.errorCount.Load(),
	}
}
