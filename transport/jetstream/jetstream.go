// Package jetstream provides a NATS JetStream transport. The bridge reads
// through ephemeral consumers that start at the newest message, so a restart
// never replays history into the viewer.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/foxbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream used when none is configured.
	DefaultStreamName = "FOXBRIDGE"

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = time.Hour
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("jetstream transport is closed")

// Connect allows overriding the connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("foxbridge"))
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), AutoProvision: true}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream holding every topic. Topics map to
	// subjects "<StreamName>.<topic>".
	StreamName string

	// AutoProvision creates or updates the stream on start.
	AutoProvision bool

	// MaxAge bounds message retention in the stream.
	MaxAge time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	closeOnce  sync.Once
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to NATS and, when AutoProvision is set, makes sure the stream
// exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}

	if cfg.AutoProvision {
		if err := t.ensureStream(); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
	}

	_, err := t.js.AddStream(streamCfg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		t.logger.Info("JetStream stream exists with a different configuration", watermill.LogFields{
			"stream": t.config.StreamName,
			"error":  err.Error(),
		})
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Publish publishes messages to the stream. Metadata travels as headers.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	for _, msg := range messages {
		natsMsg := nats.NewMsg(t.topicToSubject(topic))
		natsMsg.Data = msg.Payload
		for k, v := range msg.Metadata {
			natsMsg.Header.Set(k, v)
		}
		natsMsg.Header.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

// Subscribe starts an ephemeral consumer that delivers messages published
// from now on. The returned channel closes when ctx ends or the transport
// closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	output := make(chan *message.Message)
	incoming := make(chan *nats.Msg, 64)

	sub, err := t.js.ChanSubscribe(
		t.topicToSubject(topic),
		incoming,
		nats.DeliverNew(),
		nats.AckNone(),
		nats.BindStream(t.config.StreamName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	t.wg.Add(1)
	go t.forward(ctx, sub, incoming, output, topic)

	return output, nil
}

func (t *Transport) forward(ctx context.Context, sub *nats.Subscription, incoming <-chan *nats.Msg, output chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(output)
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			t.logger.Error("Failed to unsubscribe", err, watermill.LogFields{"topic": topic})
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		case natsMsg := <-incoming:
			wmMsg := natsToWatermill(natsMsg)
			select {
			case output <- wmMsg:
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
			// Consumers use AckNone; waiting keeps delivery one at a time.
			select {
			case <-wmMsg.Acked():
			case <-wmMsg.Nacked():
			case <-ctx.Done():
				return
			case <-t.closedChan:
				return
			}
		}
	}
}

func natsToWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(nats.MsgIdHdr)
	if msgID == "" {
		msgID = watermill.NewULID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) == 0 || k == nats.MsgIdHdr {
			continue
		}
		wmMsg.Metadata.Set(strings.ToLower(k), v[0])
	}
	return wmMsg
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + strings.ReplaceAll(topic, "/", ".")
}

// Close stops every consumer and closes the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedChan)
		t.wg.Wait()
		t.nc.Close()
	})
	return nil
}

// Capabilities returns the JetStream transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
