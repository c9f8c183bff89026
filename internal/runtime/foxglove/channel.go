package foxglove

import (
	"sync"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
)

// ChannelSpec describes a channel to advertise.
type ChannelSpec struct {
	Topic    string
	Encoding string
	// SchemaName is the message type name shown to viewers.
	SchemaName string
	Schema     []byte
	// SchemaEncoding is optional; viewers infer it from Encoding when empty.
	SchemaEncoding string
	// Latched channels replay their last message to late subscribers.
	Latched bool
}

type latchedMessage struct {
	timestamp uint64
	payload   []byte
}

// Channel is one advertised output stream. Send is safe for concurrent use,
// although a relay only ever sends from one goroutine.
type Channel struct {
	id     uint32
	spec   ChannelSpec
	server *Server

	mu          sync.RWMutex
	subscribers map[*client]uint32
	last        *latchedMessage
}

func newChannel(id uint32, spec ChannelSpec, server *Server) *Channel {
	return &Channel{
		id:          id,
		spec:        spec,
		server:      server,
		subscribers: make(map[*client]uint32),
	}
}

// ID returns the channel id advertised to viewers.
func (c *Channel) ID() uint32 { return c.id }

// Topic returns the channel topic.
func (c *Channel) Topic() string { return c.spec.Topic }

// Spec returns the channel description.
func (c *Channel) Spec() ChannelSpec { return c.spec }

// Send fans a message out to every subscribed viewer. Viewers whose queue is
// full miss the message; Send never waits for a viewer.
func (c *Channel) Send(timestamp uint64, payload []byte) error {
	if c.server.isClosed() {
		return errspkg.ErrServerClosed
	}

	// The latched copy and the fan-out share one critical section, so a
	// viewer subscribing concurrently gets the message exactly once.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spec.Latched {
		c.last = &latchedMessage{timestamp: timestamp, payload: append([]byte(nil), payload...)}
	}
	for cl, subID := range c.subscribers {
		if !cl.enqueue(encodeMessageData(subID, timestamp, payload)) {
			c.server.frameDropped(c.spec.Topic)
		}
	}
	return nil
}

func (c *Channel) info() channelInfo {
	return channelInfo{
		ID:             c.id,
		Topic:          c.spec.Topic,
		Encoding:       c.spec.Encoding,
		SchemaName:     c.spec.SchemaName,
		Schema:         schemaText(c.spec.SchemaEncoding, c.spec.Schema),
		SchemaEncoding: c.spec.SchemaEncoding,
	}
}

func (c *Channel) subscribe(cl *client, subID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[cl] = subID
	if c.last != nil {
		if !cl.enqueue(encodeMessageData(subID, c.last.timestamp, c.last.payload)) {
			c.server.frameDropped(c.spec.Topic)
		}
	}
}

func (c *Channel) unsubscribe(cl *client) {
	c.mu.Lock()
	delete(c.subscribers, cl)
	c.mu.Unlock()
}

func (c *Channel) subscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}
