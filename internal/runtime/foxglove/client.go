package foxglove

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/foxbridge/internal/runtime/jsoncodec"
	"github.com/drblury/foxbridge/internal/runtime/logging"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	controlQueue = 64
)

// client is one connected viewer. Binary frames go through a bounded queue
// and are dropped when it is full; control frames have their own queue and a
// viewer that cannot keep up with those is disconnected.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	logger logging.ServiceLogger

	data    chan []byte
	control chan []byte
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	subs map[uint32]*Channel

	dropped atomic.Uint64
}

func newClient(id string, conn *websocket.Conn, server *Server, queueSize int) *client {
	return &client{
		id:      id,
		conn:    conn,
		server:  server,
		logger:  server.logger.With(logging.LogFields{"viewer": id}),
		data:    make(chan []byte, queueSize),
		control: make(chan []byte, controlQueue),
		done:    make(chan struct{}),
		subs:    make(map[uint32]*Channel),
	}
}

// enqueue reports false when the frame was dropped.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.data <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *client) sendControl(v any) {
	frame, err := jsoncodec.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode control message", err, nil)
		return
	}
	select {
	case <-c.done:
	case c.control <- frame:
	default:
		c.logger.Error("Viewer control queue full, disconnecting", nil, nil)
		go c.close()
	}
}

func (c *client) sendStatus(level StatusLevel, format string, args ...any) {
	c.sendControl(status{Op: opStatus, Level: level, Message: fmt.Sprintf(format, args...)})
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		subs := c.subs
		c.subs = map[uint32]*Channel{}
		c.mu.Unlock()
		for _, ch := range subs {
			ch.unsubscribe(c)
		}
		c.server.removeClient(c)
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		var (
			messageType int
			frame       []byte
		)
		select {
		case <-c.done:
			return
		case frame = <-c.control:
			messageType = websocket.TextMessage
		case frame = <-c.data:
			messageType = websocket.BinaryMessage
		case <-ticker.C:
			messageType = websocket.PingMessage
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(messageType, frame); err != nil {
			c.logger.Debug("Viewer write failed", logging.LogFields{"error": err.Error()})
			return
		}
	}
}

func (c *client) readLoop() {
	defer c.close()
	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Viewer connection closed unexpectedly", logging.LogFields{"error": err.Error()})
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendStatus(StatusWarning, "binary client messages are not supported")
			continue
		}
		c.handle(raw)
	}
}

func (c *client) handle(raw []byte) {
	var op clientOp
	if err := jsoncodec.Unmarshal(raw, &op); err != nil {
		c.sendStatus(StatusError, "malformed message: %v", err)
		return
	}
	switch op.Op {
	case opSubscribe:
		var req subscribeRequest
		if err := jsoncodec.Unmarshal(raw, &req); err != nil {
			c.sendStatus(StatusError, "malformed subscribe: %v", err)
			return
		}
		for _, sub := range req.Subscriptions {
			c.subscribe(sub)
		}
	case opUnsubscribe:
		var req unsubscribeRequest
		if err := jsoncodec.Unmarshal(raw, &req); err != nil {
			c.sendStatus(StatusError, "malformed unsubscribe: %v", err)
			return
		}
		for _, id := range req.SubscriptionIDs {
			c.unsubscribe(id)
		}
	default:
		c.sendStatus(StatusWarning, "unsupported operation %q", op.Op)
	}
}

func (c *client) subscribe(sub subscription) {
	ch := c.server.channel(sub.ChannelID)
	if ch == nil {
		c.sendStatus(StatusError, "unknown channel %d", sub.ChannelID)
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[sub.ID]; exists {
		c.mu.Unlock()
		c.sendStatus(StatusError, "subscription id %d already in use", sub.ID)
		return
	}
	for _, existing := range c.subs {
		if existing == ch {
			c.mu.Unlock()
			c.sendStatus(StatusError, "channel %d already subscribed", sub.ChannelID)
			return
		}
	}
	c.subs[sub.ID] = ch
	c.mu.Unlock()

	ch.subscribe(c, sub.ID)
	c.logger.Debug("Viewer subscribed", logging.LogFields{"topic": ch.Topic(), "subscription_id": sub.ID})
}

func (c *client) unsubscribe(id uint32) {
	c.mu.Lock()
	ch, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		c.sendStatus(StatusWarning, "unknown subscription %d", id)
		return
	}
	ch.unsubscribe(c)
}
