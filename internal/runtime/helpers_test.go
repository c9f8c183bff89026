package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/foxbridge/internal/runtime/config"
	"github.com/drblury/foxbridge/internal/runtime/foxglove"
	loggingpkg "github.com/drblury/foxbridge/internal/runtime/logging"
	transportpkg "github.com/drblury/foxbridge/internal/runtime/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type fakeChannel struct {
	id   uint32
	spec foxglove.ChannelSpec

	mu       sync.Mutex
	payloads [][]byte
	stamps   []uint64
}

func (c *fakeChannel) ID() uint32 { return c.id }

func (c *fakeChannel) Send(ts uint64, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	c.stamps = append(c.stamps, ts)
	return nil
}

func (c *fakeChannel) Payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

type fakeChannels struct {
	mu        sync.Mutex
	channels  []*fakeChannel
	failTopic string
}

func (f *fakeChannels) CreateChannel(spec foxglove.ChannelSpec) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Topic == f.failTopic {
		return nil, errors.New("channel refused")
	}
	ch := &fakeChannel{id: uint32(len(f.channels) + 1), spec: spec}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeChannels) All() []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeChannel, len(f.channels))
	copy(out, f.channels)
	return out
}

func (f *fakeChannels) Len() int {
	return len(f.All())
}

// recordingSubscriber wraps a bus and records subscribed topics.
type recordingSubscriber struct {
	message.Subscriber

	mu        sync.Mutex
	topics    []string
	failTopic string
}

func (s *recordingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	s.topics = append(s.topics, topic)
	s.mu.Unlock()
	if topic == s.failTopic {
		return nil, errors.New("subscribe refused")
	}
	return s.Subscriber.Subscribe(ctx, topic)
}

func (s *recordingSubscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

type testBus struct {
	pubSub     *gochannel.GoChannel
	subscriber *recordingSubscriber
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })
	return &testBus{
		pubSub:     pubSub,
		subscriber: &recordingSubscriber{Subscriber: pubSub},
	}
}

func (b *testBus) factory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{Publisher: b.pubSub, Subscriber: b.subscriber}, nil
	})
}

func bridgeConfig() *configpkg.Config {
	conf := &configpkg.Config{
		PubSubSystem:  "channel",
		ServerAddress: "127.0.0.1:0",
	}
	conf.ApplyDefaults()
	return conf
}

func newBridge(t *testing.T, conf *configpkg.Config, bus *testBus, channels ChannelFactory) *Service {
	t.Helper()
	deps := ServiceDependencies{
		TransportFactory:  bus.factory(),
		MetricsRegisterer: prometheus.NewRegistry(),
	}
	if channels != nil {
		deps.ChannelFactory = channels
	}
	svc, err := NewService(conf, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	return svc
}

// runBridge starts svc and returns a cancel func and the channel Start's
// result arrives on.
func runBridge(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}
