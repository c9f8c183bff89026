// Package foxbridge relays messages from a publish/subscribe bus to a
// Foxglove WebSocket server so that live bus traffic can be inspected in
// Foxglove Studio.
//
// Config declares the bus transport and the topics to relay. Each topic is
// either structured (serialized protobuf messages of a named type, described
// to viewers by the descriptor pool) or JSON (UTF-8 JSON text, described by
// a JSON schema from a fixed table). NewService connects the bus and creates
// the visualization server; Start resolves every schema up front, then
// subscribes, registers one channel and spawns one relay per topic. A
// failure while wiring any topic stops the whole bridge with a SetupError,
// while a failure on a single message only drops that message.
//
// # Transports
//
// The bus is any Watermill publisher/subscriber pair. Built-in transports
// register themselves with the transport registry on import:
//   - channel: in-memory Go channels for tests and in-process producers
//   - nats: core NATS subjects
//   - nats-jetstream: ephemeral JetStream consumers starting at new messages
//   - kafka: brokers with an optional consumer group
//   - rabbitmq: a non-durable queue per bridge bound to each topic exchange
//   - aws: SNS topics read through per-bridge SQS queues
//   - http: POST bodies, with Content-Type as the encoding tag
//   - io: newline-delimited records replayed from a file
//   - p2p: libp2p gossipsub with connect and listen endpoints
//
// # Middleware
//
// Every relay runs its forward step through a middleware chain. The default
// chain adds correlation IDs, debug logging, OpenTelemetry spans, Prometheus
// counters and panic recovery. Custom middleware can be added via
// ServiceDependencies.Middlewares or Service.RegisterMiddleware before Start.
//
// Embedders can replace the transport with ServiceDependencies.TransportFactory
// and the visualization server with ServiceDependencies.ChannelFactory.
package foxbridge
