// Package p2p provides a brokerless transport over libp2p gossipsub. Each
// bus topic is a gossip topic; peers are reached through the configured
// connect endpoints and the host accepts peers on the listen endpoints.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/drblury/foxbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "p2p"

// DefaultListenAddr is used when no listen endpoint is configured.
const DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("p2p transport is closed")

// HostFactory allows overriding the libp2p host creation for testing.
var HostFactory = func(opts ...libp2p.Option) (host.Host, error) {
	return libp2p.New(opts...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.P2PCapabilities)
}

// Build creates a new p2p transport from the connect and listen endpoints.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(ctx, Options{
		Listen:  cfg.GetListenEndpoints(),
		Connect: cfg.GetConnectEndpoints(),
	}, logger)
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
	return transport.P2PCapabilities
}

// Options configures the libp2p host.
type Options struct {
	// Listen are multiaddrs the host accepts peers on.
	Listen []string
	// Connect are peer multiaddrs including the /p2p/<id> suffix.
	Connect []string
}

// Transport implements Publisher and Subscriber over gossipsub.
type Transport struct {
	// ctx drives gossipsub and lives until the host is shut down.
	ctx    context.Context
	cancel context.CancelFunc

	// subsCtx parents every subscription so Close can stop them while the
	// gossipsub loop still runs.
	subsCtx    context.Context
	cancelSubs context.CancelFunc

	host   host.Host
	ps     *pubsub.PubSub
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool

	wg sync.WaitGroup
}

// New starts a libp2p host, joins gossipsub and dials every connect
// endpoint. A peer that cannot be reached is logged; a malformed endpoint is
// an error.
func New(ctx context.Context, opts Options, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	listen, err := parseListen(opts.Listen)
	if err != nil {
		return nil, err
	}
	peers, err := parseConnect(opts.Connect)
	if err != nil {
		return nil, err
	}

	h, err := HostFactory(libp2p.ListenAddrs(listen...))
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(tctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	subsCtx, cancelSubs := context.WithCancel(tctx)
	t := &Transport{
		ctx:        tctx,
		cancel:     cancel,
		subsCtx:    subsCtx,
		cancelSubs: cancelSubs,
		host:   h,
		ps:     ps,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}

	logger.Info("p2p host started", watermill.LogFields{
		"peer_id": h.ID().String(),
		"addrs":   t.Addrs(),
	})

	for _, info := range peers {
		if err := h.Connect(ctx, info); err != nil {
			logger.Error("Failed to connect peer", err, watermill.LogFields{"peer_id": info.ID.String()})
			continue
		}
		logger.Info("Connected peer", watermill.LogFields{"peer_id": info.ID.String()})
	}

	return t, nil
}

func parseListen(raw []string) ([]ma.Multiaddr, error) {
	addrs := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	if len(addrs) == 0 {
		a, err := ma.NewMultiaddr(DefaultListenAddr)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

func parseConnect(raw []string) ([]peer.AddrInfo, error) {
	var infos []peer.AddrInfo
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid connect multiaddr %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("connect multiaddr %q: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// PeerID returns the host's peer ID.
func (t *Transport) PeerID() string {
	return t.host.ID().String()
}

// Addrs returns the dialable addresses of the host, each with its /p2p suffix.
func (t *Transport) Addrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, addr := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, t.host.ID()))
	}
	return out
}

// ConnectedPeers returns the IDs of currently connected peers.
func (t *Transport) ConnectedPeers() []string {
	peers := t.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (t *Transport) join(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joinLocked(name)
}

func (t *Transport) joinLocked(name string) (*pubsub.Topic, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

// Publish gossips each message on the topic.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	pt, err := t.join(topic)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if err := pt.Publish(t.ctx, encodeEnvelope(msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe delivers messages gossiped on the topic, including those
// published by this host. The channel closes when ctx ends or the transport
// closes.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	pt, err := t.joinLocked(topic)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	sub, err := pt.Subscribe()
	if err != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	t.wg.Add(1)
	t.mu.Unlock()

	subCtx, subCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.subsCtx, subCancel)

	out := make(chan *message.Message)
	go func() {
		defer t.wg.Done()
		defer close(out)
		defer stop()
		defer subCancel()
		defer sub.Cancel()

		for {
			gm, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			msg, err := decodeEnvelope(gm.Data)
			if err != nil {
				t.logger.Error("Dropping malformed gossip message", err, watermill.LogFields{
					"topic": topic,
					"from":  gm.ReceivedFrom.String(),
				})
				continue
			}

			select {
			case out <- msg:
			case <-subCtx.Done():
				return
			}
			select {
			case <-msg.Acked():
			case <-msg.Nacked():
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close stops every subscription, leaves all topics and shuts the host down.
// Topics are left while gossipsub still runs; it stops only afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancelSubs()
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for name, topic := range t.topics {
		if err := topic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close topic %s: %w", name, err))
		}
	}
	t.cancel()
	if err := t.host.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Capabilities returns the p2p transport capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.P2PCapabilities
}
