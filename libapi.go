package foxbridge

import (
	runtimepkg "github.com/drblury/foxbridge/internal/runtime"
	configpkg "github.com/drblury/foxbridge/internal/runtime/config"
	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	"github.com/drblury/foxbridge/internal/runtime/foxglove"
	idspkg "github.com/drblury/foxbridge/internal/runtime/ids"
	jsoncodec "github.com/drblury/foxbridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/foxbridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/foxbridge/internal/runtime/metadata"
	"github.com/drblury/foxbridge/internal/runtime/relay"
	"github.com/drblury/foxbridge/internal/runtime/schema"
	transportpkg "github.com/drblury/foxbridge/internal/runtime/transport"
	bus "github.com/drblury/foxbridge/transport"
)

type (
	Config                = configpkg.Config
	ProtobufSubscription  = configpkg.ProtobufSubscription
	JSONSubscription      = configpkg.JSONSubscription
	SubscriptionSpec      = configpkg.SubscriptionSpec
	Kind                  = configpkg.Kind
	UnknownEncodingPolicy = configpkg.UnknownEncodingPolicy

	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	RelayInfo           = runtimepkg.RelayInfo
	Channel             = runtimepkg.Channel
	ChannelFactory      = runtimepkg.ChannelFactory
	ChannelFactoryFunc  = runtimepkg.ChannelFactoryFunc
	ChannelSpec         = foxglove.ChannelSpec
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFunc       = transportpkg.FactoryFunc

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RelayMiddleware        = relay.Middleware
	RelayHandler           = relay.Handler
	Delivery               = relay.Delivery
	RelayStats             = relay.Stats

	DescriptorPool  = schema.Pool
	JSONSchemaTable = schema.JSONSchemaTable
	ResolvedSchema  = schema.ResolvedSchema

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	SetupError            = errspkg.SetupError
	MessageError          = errspkg.MessageError

	// Modular transport registry
	TransportBuilder      = bus.Builder
	TransportConfig       = bus.Config
	TransportRegistry     = bus.Registry
	TransportCapabilities = bus.Capabilities
)

const (
	KindStructured = configpkg.KindStructured
	KindJSON       = configpkg.KindJSON

	PolicySkip     = configpkg.PolicySkip
	PolicyStopTask = configpkg.PolicyStopTask
	PolicyFailFast = configpkg.PolicyFailFast

	// MetadataKeyEncoding carries the encoding tag of a bus message.
	MetadataKeyEncoding = metadatapkg.KeyEncoding
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.LoadFile
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	PublishSample    = runtimepkg.PublishSample
	NewSampleMessage = runtimepkg.NewSampleMessage

	LoadDescriptorPool     = schema.LoadPool
	NewDescriptorPool      = schema.NewPool
	PoolFromRegistry       = schema.PoolFromRegistry
	DefaultJSONSchemas     = schema.DefaultJSONSchemas
	NewJSONSchemaTable     = schema.NewJSONSchemaTable

	// Modular transport registry. Import individual transports via
	// _ "github.com/drblury/foxbridge/transport/kafka" or all of them via
	// _ "github.com/drblury/foxbridge/transport/transports".
	DefaultTransportRegistry = bus.DefaultRegistry
	RegisterTransport        = bus.Register
	BuildTransport           = bus.Build
	GetCapabilities          = bus.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrSubscriberRequired = errspkg.ErrSubscriberRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrTypeNameRequired   = errspkg.ErrTypeNameRequired
	ErrDescriptorNotFound = errspkg.ErrDescriptorNotFound
	ErrSchemaNotFound     = errspkg.ErrSchemaNotFound
	ErrChannelExists      = errspkg.ErrChannelExists
	ErrServerClosed       = errspkg.ErrServerClosed
	ErrUnknownEncoding    = errspkg.ErrUnknownEncoding
	ErrInvalidText        = errspkg.ErrInvalidText
	IsSetupError          = errspkg.IsSetupError

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextServiceLogger = loggingpkg.NewTextServiceLogger
	ParseLogLevel        = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)
