// Package transport builds the bus connection used by the bridge.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/foxbridge/internal/runtime/config"
	bus "github.com/drblury/foxbridge/transport"

	// Register every built-in transport.
	_ "github.com/drblury/foxbridge/transport/transports"
)

// Transport combines a publisher and subscriber pair produced by a factory.
// The bridge only subscribes; the publisher feeds sample producers.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the bridge connects to its bus.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := bus.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
	}, nil
}
