// Package http provides an HTTP transport. Producers POST message bodies to
// http://<server address>/<topic>; the request Content-Type becomes the
// message encoding tag.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/foxbridge/internal/runtime/metadata"
	"github.com/drblury/foxbridge/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. The subscriber's server starts in the
// background and stops when the subscriber is closed.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	if serverAddr == "" {
		return transport.Transport{}, errors.New("http server address is required")
	}

	publisher, err := PublisherFactory(
		http.PublisherConfig{MarshalMessageFunc: MarshalMessageFunc(cfg.GetHTTPPublisherURL())},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{UnmarshalMessageFunc: UnmarshalMessageFunc},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("Failed to start HTTP subscriber server", err, watermill.LogFields{"addr": serverAddr})
			}
		}()
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// MarshalMessageFunc posts each message to baseURL/<topic> and sends the
// message encoding tag as Content-Type.
func MarshalMessageFunc(baseURL string) http.MarshalMessageFunc {
	base := strings.TrimSuffix(baseURL, "/")
	return func(topic string, msg *message.Message) (*nethttp.Request, error) {
		req, err := http.DefaultMarshalMessageFunc(base+"/"+strings.TrimPrefix(topic, "/"), msg)
		if err != nil {
			return nil, err
		}
		if tag := msg.Metadata.Get(metadata.KeyEncoding); tag != "" {
			req.Header.Set("Content-Type", tag)
		}
		return req, nil
	}
}

// UnmarshalMessageFunc decodes a request with the watermill defaults and
// copies Content-Type into the encoding tag unless the metadata already
// carries one. Requests without a message UUID header get a fresh ULID.
func UnmarshalMessageFunc(topic string, req *nethttp.Request) (*message.Message, error) {
	msg, err := http.DefaultUnmarshalMessageFunc(topic, req)
	if err != nil {
		return nil, err
	}
	if msg.UUID == "" {
		msg.UUID = watermill.NewULID()
	}
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	if msg.Metadata.Get(metadata.KeyEncoding) == "" {
		if ct := req.Header.Get("Content-Type"); ct != "" {
			msg.Metadata.Set(metadata.KeyEncoding, ct)
		}
	}
	return msg, nil
}
