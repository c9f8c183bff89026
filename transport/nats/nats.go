// Package nats provides a NATS Core transport. Core NATS is fire-and-forget,
// which matches the bridge: subscribers only see messages published while
// they are connected.
package nats

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/foxbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ReconnectWait is the pause between reconnect attempts. The bridge keeps
// reconnecting for as long as it runs.
const ReconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// connectOptions names the connection after the bridge role and logs
// connection changes through the transport logger.
func connectOptions(role string, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("foxbridge-" + role),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, watermill.LogFields{"role": role})
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"role": role, "url": nc.ConnectedUrlRedacted()})
		}),
	}
}

// Build creates a new NATS transport. Metadata travels as NATS headers.
// Subscribers never join a queue group, so every bridge sees every message.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	marshaler := &wmnats.NATSMarshaler{}
	core := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: connectOptions("publisher", logger),
		Marshaler:   marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:         url,
		NatsOptions: connectOptions("subscriber", logger),
		Unmarshaler: marshaler,
		JetStream:   core,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
