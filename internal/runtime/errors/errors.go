package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired    = sterrors.New("foxbridge: bridge service is required")
	ErrConfigRequired     = sterrors.New("foxbridge: configuration is required")
	ErrLoggerRequired     = sterrors.New("foxbridge: logger is required")
	ErrPublisherRequired  = sterrors.New("foxbridge: publisher is required")
	ErrSubscriberRequired = sterrors.New("foxbridge: subscriber is required")
	ErrTopicRequired      = sterrors.New("foxbridge: topic is required")
	ErrTypeNameRequired   = sterrors.New("foxbridge: type name is required")

	// Setup-time conditions. Any of these aborts startup.
	ErrDescriptorNotFound = sterrors.New("foxbridge: protobuf message descriptor not found")
	ErrSchemaNotFound     = sterrors.New("foxbridge: json schema not found")
	ErrChannelExists      = sterrors.New("foxbridge: channel already registered for topic")
	ErrServerClosed       = sterrors.New("foxbridge: visualization server closed")

	// Per-message conditions.
	ErrUnknownEncoding = sterrors.New("foxbridge: unknown message encoding")
	ErrInvalidText     = sterrors.New("foxbridge: payload is not valid UTF-8 text")
)

// Stage names used by SetupError and MessageError.
const (
	StageResolve       = "resolve"
	StageSubscribe     = "subscribe"
	StageCreateChannel = "create_channel"
	StageSpawn         = "spawn"

	StageTranscode = "transcode"
	StageSend      = "send"
	StagePanic     = "panic"
)

// ConfigValidationError wraps everything Config.Validate reported.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "foxbridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// SetupError reports a failure while wiring one subscription. Setup errors are
// fatal: the bridge refuses to run with a missing relay.
type SetupError struct {
	Topic string
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("foxbridge: setup of topic %q failed at %s: %v", e.Topic, e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// MessageError reports a failure to relay a single message. The message is
// dropped and the relay keeps running.
type MessageError struct {
	Topic string
	Stage string
	Err   error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("foxbridge: relaying message on %q failed at %s: %v", e.Topic, e.Stage, e.Err)
}

func (e *MessageError) Unwrap() error { return e.Err }

// IsSetupError reports whether err carries a SetupError.
func IsSetupError(err error) bool {
	var target *SetupError
	return sterrors.As(err, &target)
}
