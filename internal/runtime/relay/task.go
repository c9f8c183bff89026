// Package relay moves messages from one bus subscription to one
// visualization channel.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/foxbridge/internal/runtime/config"
	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	"github.com/drblury/foxbridge/internal/runtime/logging"
	"github.com/drblury/foxbridge/internal/runtime/metadata"
)

// DefaultTelemetryInterval is the number of forwarded messages between two
// telemetry log lines.
const DefaultTelemetryInterval = 20

// Publisher is the channel side of a relay.
type Publisher interface {
	Send(timestamp uint64, payload []byte) error
}

// Delivery is one bus message on its way to the channel.
type Delivery struct {
	Topic     string
	Kind      configpkg.Kind
	Message   *message.Message
	Timestamp uint64
	// Counter is the number of messages received so far, this one included.
	Counter uint64
}

// Handler forwards one delivery.
type Handler func(ctx context.Context, d *Delivery) error

// Middleware wraps the forward step.
type Middleware func(Handler) Handler

// Options configure a Task.
type Options struct {
	Topic string
	Kind  configpkg.Kind
	// DefaultEncoding applies to messages without an encoding tag.
	DefaultEncoding string
	// UnknownEncodingPolicy defaults to skip.
	UnknownEncodingPolicy configpkg.UnknownEncodingPolicy
	// TelemetryInterval defaults to DefaultTelemetryInterval.
	TelemetryInterval uint64
	// Middlewares wrap the forward step, first entry outermost.
	Middlewares []Middleware
	// Now is the clock used for send timestamps.
	Now func() time.Time
}

// Stats is a snapshot of a task's counters.
type Stats struct {
	Topic     string `json:"topic"`
	Kind      string `json:"kind"`
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
	Running   bool   `json:"running"`
}

// Task relays one subscription. Every received message is acked whether or
// not it reached the channel; failed messages are dropped, never retried.
type Task struct {
	opts      Options
	messages  <-chan *message.Message
	publisher Publisher
	logger    logging.ServiceLogger
	forward   Handler

	lastTimestamp uint64

	received  atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Bool

	mu      sync.Mutex
	lastErr string
}

// NewTask builds a task over a bus subscription and a channel.
func NewTask(opts Options, messages <-chan *message.Message, publisher Publisher, log logging.ServiceLogger) (*Task, error) {
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if messages == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.UnknownEncodingPolicy == "" {
		opts.UnknownEncodingPolicy = configpkg.PolicySkip
	}
	if opts.TelemetryInterval == 0 {
		opts.TelemetryInterval = DefaultTelemetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &Task{
		opts:      opts,
		messages:  messages,
		publisher: publisher,
		logger:    log.With(logging.LogFields{"topic": opts.Topic}),
	}
	t.forward = t.send
	for i := len(opts.Middlewares) - 1; i >= 0; i-- {
		t.forward = opts.Middlewares[i](t.forward)
	}
	return t, nil
}

// Topic returns the relayed topic.
func (t *Task) Topic() string { return t.opts.Topic }

// Run relays messages until ctx is cancelled or the subscription closes. It
// returns an error only when the fail_fast policy trips.
func (t *Task) Run(ctx context.Context) error {
	t.running.Store(true)
	defer t.running.Store(false)

	t.logger.Info("Relay started", logging.LogFields{"kind": string(t.opts.Kind)})
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-t.messages:
			if !ok {
				t.logger.Info("Bus subscription closed, relay stopped", nil)
				return nil
			}
			stop, err := t.handle(ctx, msg)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

func (t *Task) handle(ctx context.Context, msg *message.Message) (bool, error) {
	d := &Delivery{
		Topic:     t.opts.Topic,
		Kind:      t.opts.Kind,
		Message:   msg,
		Timestamp: t.timestamp(),
		Counter:   t.received.Add(1),
	}
	err := t.forward(ctx, d)
	msg.Ack()

	if err == nil {
		forwarded := t.forwarded.Add(1)
		if forwarded%t.opts.TelemetryInterval == 0 {
			t.logger.Info("Relay telemetry", logging.LogFields{"message_counter": forwarded})
		}
		return false, nil
	}

	t.failed.Add(1)
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()

	fields := logging.LogFields{"message_counter": d.Counter, "message_uuid": msg.UUID}
	if errors.Is(err, errspkg.ErrUnknownEncoding) {
		switch t.opts.UnknownEncodingPolicy {
		case configpkg.PolicyFailFast:
			t.logger.Error("Unknown message encoding, stopping bridge", err, fields)
			return true, err
		case configpkg.PolicyStopTask:
			t.logger.Error("Unknown message encoding, stopping relay", err, fields)
			return true, nil
		}
	}
	t.logger.Error("Failed to relay message", err, fields)
	return false, nil
}

// send is the innermost handler: transcode, then hand to the channel.
func (t *Task) send(_ context.Context, d *Delivery) error {
	encoding := metadata.FromWatermill(d.Message.Metadata).Encoding(t.opts.DefaultEncoding)
	payload, err := Transcode(d.Kind, encoding, d.Message.Payload)
	if err != nil {
		return &errspkg.MessageError{Topic: d.Topic, Stage: errspkg.StageTranscode, Err: err}
	}
	if err := t.publisher.Send(d.Timestamp, payload); err != nil {
		return &errspkg.MessageError{Topic: d.Topic, Stage: errspkg.StageSend, Err: err}
	}
	return nil
}

// timestamp returns wall clock nanoseconds, never going backwards within the
// task. Only the Run goroutine calls it.
func (t *Task) timestamp() uint64 {
	now := t.opts.Now().UnixNano()
	ts := uint64(0)
	if now > 0 {
		ts = uint64(now)
	}
	if ts < t.lastTimestamp {
		ts = t.lastTimestamp
	}
	t.lastTimestamp = ts
	return ts
}

// Stats returns the current counters.
func (t *Task) Stats() Stats {
	t.mu.Lock()
	lastErr := t.lastErr
	t.mu.Unlock()
	return Stats{
		Topic:     t.opts.Topic,
		Kind:      string(t.opts.Kind),
		Received:  t.received.Load(),
		Forwarded: t.forwarded.Load(),
		Failed:    t.failed.Load(),
		LastError: lastErr,
		Running:   t.running.Load(),
	}
}
