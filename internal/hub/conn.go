package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vehicles.ledger/vtrack/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("connection is closed")

// Sender is one browser connection as seen by message handlers.
type Sender interface {
	ID() string
	Send(msg types.Outbound) error
}

// Conn wraps a websocket connection. Writes are serialized; Close is safe to
// call more than once.
type Conn struct {
	ws      *websocket.Conn
	req     *http.Request
	id      string
	writeMu sync.Mutex
	once    sync.Once
	stopCh  chan struct{}
}

func newConn(ws *websocket.Conn, req *http.Request) *Conn {
	return &Conn{
		ws:     ws,
		req:    req,
		id:     uuid.NewString(),
		stopCh: make(chan struct{}),
	}
}

// ID returns the connection's uuid.
func (c *Conn) ID() string { return c.id }

// Request returns the HTTP request that opened the connection.
func (c *Conn) Request() *http.Request { return c.req }

// Send writes msg as a JSON text frame.
func (c *Conn) Send(msg types.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) write(p []byte) error {
	select {
	case <-c.stopCh:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, p)
}

// listen reads frames until the connection fails or is closed, handing each
// text frame to onMessage.
func (c *Conn) listen(onMessage func([]byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onMessage(data)
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stopCh)
		err = c.ws.Close()
	})
	return err
}
