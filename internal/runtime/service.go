package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/foxbridge/internal/runtime/config"
	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	"github.com/drblury/foxbridge/internal/runtime/foxglove"
	loggingpkg "github.com/drblury/foxbridge/internal/runtime/logging"
	"github.com/drblury/foxbridge/internal/runtime/relay"
	"github.com/drblury/foxbridge/internal/runtime/schema"
	transportpkg "github.com/drblury/foxbridge/internal/runtime/transport"
	bus "github.com/drblury/foxbridge/transport"
)

const httpShutdownTimeout = 5 * time.Second

// Channel is a registered visualization channel.
type Channel interface {
	relay.Publisher
	ID() uint32
}

// ChannelFactory registers visualization channels. The Foxglove server is
// the default; tests and embedders can supply their own.
type ChannelFactory interface {
	CreateChannel(spec foxglove.ChannelSpec) (Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(spec foxglove.ChannelSpec) (Channel, error)

func (f ChannelFactoryFunc) CreateChannel(spec foxglove.ChannelSpec) (Channel, error) {
	return f(spec)
}

type serverChannels struct {
	server *foxglove.Server
}

func (s serverChannels) CreateChannel(spec foxglove.ChannelSpec) (Channel, error) {
	ch, err := s.server.CreateChannel(spec)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults derived from the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// ChannelFactory replaces the built-in Foxglove server. The server is
	// then neither created nor started.
	ChannelFactory ChannelFactory
	// DescriptorPool overrides Config.DescriptorSetFile and the linked registry.
	DescriptorPool *schema.Pool
	// JSONSchemas overrides the built-in JSON schema table.
	JSONSchemas *schema.JSONSchemaTable

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.

	// MetricsRegisterer receives the relay collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
}

// Service wires the bus, the schema resolver, the visualization server and
// one relay task per subscription.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber

	resolver *schema.Resolver
	server   *foxglove.Server
	channels ChannelFactory

	middlewares []relay.Middleware
	metrics     *relayMetrics

	relays   []*relayEntry
	relaysMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started atomic.Bool
}

// NewService constructs a Service for the supplied configuration. Nothing is
// subscribed or advertised until Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating bridge service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	s := &Service{
		Conf:   conf,
		Logger: log,
	}

	if conf.MetricsEnabled {
		metrics, err := newRelayMetrics(deps.MetricsRegisterer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = metrics
		if conf.MetricsPort > 0 {
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", metrics.handler())
		}
	}

	pool, err := s.descriptorPool(deps)
	if err != nil {
		return nil, err
	}
	table := schema.DefaultJSONSchemas()
	if deps.JSONSchemas != nil {
		table = *deps.JSONSchemas
	}
	s.resolver = schema.NewResolver(pool, table)

	if deps.ChannelFactory != nil {
		s.channels = deps.ChannelFactory
	} else {
		s.server = foxglove.NewServer(log, foxglove.Options{
			Name:      conf.ServerName,
			QueueSize: conf.ClientQueueSize,
			Metadata: map[string]string{
				"pubsub_system": conf.PubSubSystem,
			},
			OnClientsChanged: s.metrics.setViewers,
			OnFrameDropped:   s.metrics.frameDropped,
		})
		s.channels = serverChannels{server: s.server}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}
	if transport.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}

	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber
	s.logTransportCapabilities()

	return s, nil
}

func (s *Service) logTransportCapabilities() {
	caps := bus.GetCapabilities(s.Conf.PubSubSystem)
	s.Logger.Info("Transport ready", loggingpkg.LogFields{
		"transport":        s.Conf.PubSubSystem,
		"carries_metadata": caps.CarriesMetadata,
		"ordered":          caps.SupportsOrdering,
		"durable":          caps.Durable,
		"brokerless":       caps.Brokerless,
	})
	if caps.RequiresDefaultEncoding() {
		s.Logger.Info("Transport drops metadata; every message uses the default encoding", loggingpkg.LogFields{
			"transport":        s.Conf.PubSubSystem,
			"default_encoding": s.Conf.DefaultEncoding,
		})
	}
}

func (s *Service) descriptorPool(deps ServiceDependencies) (*schema.Pool, error) {
	if deps.DescriptorPool != nil {
		return deps.DescriptorPool, nil
	}
	if s.Conf.DescriptorSetFile != "" {
		pool, err := schema.LoadPool(s.Conf.DescriptorSetFile)
		if err != nil {
			return nil, err
		}
		s.Logger.Info("Loaded descriptor set", loggingpkg.LogFields{
			"file":  s.Conf.DescriptorSetFile,
			"files": pool.NumFiles(),
		})
		return pool, nil
	}
	return schema.PoolFromRegistry(nil)
}

// Start wires every subscription, then relays until ctx is cancelled or a
// relay fails under the fail_fast policy. A wiring failure is returned as a
// *errors.SetupError and stops everything that was already spawned.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("foxbridge: service already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.StartWebUIServer()
	s.startHTTPServers(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if s.server != nil {
		g.Go(func() error {
			return s.server.Serve(gctx, s.Conf.ServerAddress)
		})
	}

	if err := s.wire(gctx, g); err != nil {
		s.Logger.Error("Bridge setup failed", err, nil)
		cancel()
		_ = g.Wait()
		return err
	}

	s.Logger.Info("Bridge running", loggingpkg.LogFields{
		"relays":         len(s.Relays()),
		"server_address": s.Conf.ServerAddress,
	})

	err := g.Wait()
	if err != nil {
		s.Logger.Error("Bridge stopped with error", err, nil)
		return err
	}
	s.Logger.Info("Bridge stopped", nil)
	return nil
}

// wire resolves every schema before touching the bus or the server, so a
// resolution failure leaves no channels behind. Later failures keep the
// channels created so far; channels are never removed.
func (s *Service) wire(ctx context.Context, g *errgroup.Group) error {
	specs := s.Conf.Subscriptions()

	resolved := make([]schema.ResolvedSchema, len(specs))
	for i, spec := range specs {
		r, err := s.resolve(spec)
		if err != nil {
			return &errspkg.SetupError{Topic: spec.Topic, Stage: errspkg.StageResolve, Err: err}
		}
		resolved[i] = r
	}

	for i, spec := range specs {
		if err := s.spawn(ctx, g, spec, resolved[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) resolve(spec configpkg.SubscriptionSpec) (schema.ResolvedSchema, error) {
	switch spec.Kind {
	case configpkg.KindStructured:
		return s.resolver.ResolveStructured(spec.TypeName)
	case configpkg.KindJSON:
		r, err := s.resolver.ResolveJSON(spec.SchemaName)
		if err != nil {
			return r, err
		}
		r.Name = spec.TypeName
		return r, nil
	default:
		return schema.ResolvedSchema{}, fmt.Errorf("unsupported subscription kind %q", spec.Kind)
	}
}

func (s *Service) spawn(ctx context.Context, g *errgroup.Group, spec configpkg.SubscriptionSpec, resolved schema.ResolvedSchema) error {
	messages, err := s.subscriber.Subscribe(ctx, spec.Topic)
	if err != nil {
		return &errspkg.SetupError{Topic: spec.Topic, Stage: errspkg.StageSubscribe, Err: err}
	}

	ch, err := s.channels.CreateChannel(foxglove.ChannelSpec{
		Topic:          spec.Topic,
		Encoding:       resolved.Encoding,
		SchemaName:     resolved.Name,
		Schema:         resolved.Schema,
		SchemaEncoding: resolved.SchemaEncoding,
		Latched:        spec.Latched,
	})
	if err != nil {
		return &errspkg.SetupError{Topic: spec.Topic, Stage: errspkg.StageCreateChannel, Err: err}
	}

	task, err := relay.NewTask(relay.Options{
		Topic:                 spec.Topic,
		Kind:                  spec.Kind,
		DefaultEncoding:       s.Conf.DefaultEncoding,
		UnknownEncodingPolicy: s.Conf.UnknownEncodingPolicy,
		Middlewares:           s.middlewares,
	}, messages, ch, s.Logger)
	if err != nil {
		return &errspkg.SetupError{Topic: spec.Topic, Stage: errspkg.StageSpawn, Err: err}
	}

	s.addRelay(&relayEntry{
		task:       task,
		channelID:  ch.ID(),
		schemaName: resolved.Name,
	})
	g.Go(func() error {
		return task.Run(ctx)
	})
	return nil
}

// Close releases the bus connection and the visualization server.
func (s *Service) Close() error {
	var errs []error
	if s.server != nil {
		s.server.Close()
	}
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
	}
	if s.publisher != nil && any(s.publisher) != any(s.subscriber) {
		errs = append(errs, s.publisher.Close())
	}
	return errors.Join(errs...)
}

// Server returns the built-in visualization server, or nil when a custom
// ChannelFactory was supplied.
func (s *Service) Server() *foxglove.Server {
	return s.server
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the auxiliary HTTP server for port.
// Servers start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
