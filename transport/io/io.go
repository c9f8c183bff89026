// Package io provides a file transport. Messages are stored one JSON record
// per line; subscribers read the file from the start and then follow it, so
// a recorded file replays into the viewer.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/foxbridge/internal/runtime/jsoncodec"
	"github.com/drblury/foxbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "messages.log"

// PollInterval is how long a subscriber waits at end of file before reading
// again.
var PollInterval = 50 * time.Millisecond

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("io transport is closed")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, logger), nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build creates a new I/O transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// record is one line of the file.
type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to a file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewPublisher returns a publisher appending to filePath.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{filePath: filePath, logger: logger}
}

// Publish appends one line per message.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close marks the publisher closed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Subscriber follows a file and emits the records of one topic.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

// NewSubscriber returns a subscriber following filePath.
func NewSubscriber(filePath string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{filePath: filePath, logger: logger, closing: make(chan struct{})}
}

// Subscribe opens the file and starts following it. The returned channel is
// closed when ctx ends, the subscriber closes or the file can no longer be
// read.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.follow(ctx, f, topic, out)
	}()

	return out, nil
}

func (s *Subscriber) follow(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte

	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)

		switch {
		case err == nil:
			line := partial
			partial = nil
			if !s.emit(ctx, line, topic, out) {
				return
			}
		case errors.Is(err, io.EOF):
			// Keep the unterminated tail and wait for the writer to finish it.
			if !s.wait(ctx) {
				return
			}
		default:
			s.logger.Error("Failed to read file", err, watermill.LogFields{"file": s.filePath})
			return
		}
	}
}

func (s *Subscriber) wait(ctx context.Context) bool {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

func (s *Subscriber) emit(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return true
	}

	var rec record
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Failed to decode record", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if rec.Topic != topic {
		return true
	}
	if rec.UUID == "" {
		rec.UUID = watermill.NewULID()
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}

// Close stops every subscription and waits for them to finish.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
