package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	idspkg "github.com/drblury/foxbridge/internal/runtime/ids"
	loggingpkg "github.com/drblury/foxbridge/internal/runtime/logging"
	"github.com/drblury/foxbridge/internal/runtime/relay"
)

const metadataKeyCorrelationID = "correlation_id"

// MiddlewareBuilder constructs a relay middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (relay.Middleware, error)

// MiddlewareRegistration captures how a middleware wraps the forward step of
// every relay.
type MiddlewareRegistration struct {
	Name       string
	Middleware relay.Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard chain used by the Service
// constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware counts received, forwarded and failed messages. It is a
// no-op unless metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (relay.Middleware, error) {
			if s.metrics == nil {
				return nil, nil
			}
			return s.metricsMiddleware(), nil
		},
	}
}

// CorrelationIDMiddleware ensures each relayed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the metadata and size of relayed messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (relay.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps every forward in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RecovererMiddleware turns a panic in the forward chain into a dropped
// message so the relay keeps running.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

// RegisterMiddleware appends a middleware to the chain. Relays wired by
// Start use the chain as registered at that point.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.started.Load() {
		return errors.New("middlewares must be registered before Start")
	}

	var mw relay.Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewares = append(s.middlewares, mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h relay.Handler) relay.Handler {
	return func(ctx context.Context, d *relay.Delivery) error {
		if d.Message.Metadata == nil {
			d.Message.Metadata = make(map[string]string)
		}
		if _, ok := d.Message.Metadata[metadataKeyCorrelationID]; !ok {
			d.Message.Metadata.Set(metadataKeyCorrelationID, idspkg.CreateULID())
		}
		return h(ctx, d)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) relay.Middleware {
	return func(h relay.Handler) relay.Handler {
		return func(ctx context.Context, d *relay.Delivery) error {
			logger.Debug("Relaying message", loggingpkg.LogFields{
				"topic":           d.Topic,
				"message_uuid":    d.Message.UUID,
				"message_counter": d.Counter,
				"payload_bytes":   len(d.Message.Payload),
				"metadata":        d.Message.Metadata,
			})
			return h(ctx, d)
		}
	}
}

func tracerMiddleware(h relay.Handler) relay.Handler {
	return func(ctx context.Context, d *relay.Delivery) error {
		tracer := otel.Tracer("foxbridge-relay")
		ctx, span := tracer.Start(ctx, "RelayMessage", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		span.SetAttributes(
			attribute.String("messaging.destination.name", d.Topic),
			attribute.String("message.uuid", d.Message.UUID),
			attribute.String("foxbridge.kind", string(d.Kind)),
			attribute.Int("message.payload_bytes", len(d.Message.Payload)),
		)
		err := h(ctx, d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (s *Service) metricsMiddleware() relay.Middleware {
	return func(h relay.Handler) relay.Handler {
		return func(ctx context.Context, d *relay.Delivery) error {
			s.metrics.recordReceived(d.Topic, len(d.Message.Payload))
			err := h(ctx, d)
			s.metrics.recordResult(d.Topic, err)
			return err
		}
	}
}

func recovererMiddleware(h relay.Handler) relay.Handler {
	return func(ctx context.Context, d *relay.Delivery) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &errspkg.MessageError{
					Topic: d.Topic,
					Stage: errspkg.StagePanic,
					Err:   fmt.Errorf("panic: %v", r),
				}
			}
		}()
		return h(ctx, d)
	}
}
