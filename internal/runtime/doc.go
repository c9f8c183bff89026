/*
Package runtime wires the bus to the visualization server.

# Architecture Overview

A Service owns one Watermill subscriber, one Foxglove WebSocket server and
one relay task per declared subscription. Tasks are independent: a slow or
failing topic never delays another one.

# Package Structure

## Core Service (service.go)

The Service struct is the supervisor. Start runs the startup plan:

 1. resolve the schema of every subscription, failing before any channel
    exists when one cannot be resolved
 2. for each subscription in declaration order, subscribe on the bus,
    create the channel and spawn the relay
 3. run every relay and the visualization server in one errgroup

Any wiring failure stops the relays already spawned and is returned as an
*errors.SetupError. Channels created before the failure stay registered.

## Relays (registration.go)

Relays returns per-topic counters for the web UI and for embedders.

## Middleware (middleware.go)

Middlewares wrap the forward step of every relay:
  - CorrelationID: tags each message with a correlation identifier
  - LogMessages: debug logging of message metadata
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus counters (metrics.go)
  - Recoverer: panic recovery

## Publishing (publisher.go)

PublishSample tags and publishes payloads; the example producers use it.

## WebUI (webui.go)

GET /api/relays lists relays and advertised channels.

# Sub-packages

  - config/: configuration file, defaults and validation
  - errors/: sentinel errors, SetupError and MessageError
  - foxglove/: Foxglove WebSocket server and channels
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling
  - logging/: logger interface and adapters
  - metadata/: message metadata and encoding tags
  - relay/: per-topic relay task and transcoding
  - schema/: descriptor pool, JSON schema table and resolver
  - transport/: bus factory over the transport registry

# Usage Example

	cfg, err := foxbridge.LoadConfig("config/config.yaml")
	if err != nil {
		return err
	}
	svc, err := foxbridge.NewService(cfg, logger, ctx, foxbridge.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
