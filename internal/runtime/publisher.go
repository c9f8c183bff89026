package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	idspkg "github.com/drblury/foxbridge/internal/runtime/ids"
	metadatapkg "github.com/drblury/foxbridge/internal/runtime/metadata"
)

// NewSampleMessage builds a bus message tagged with encoding. An empty
// encoding leaves the message untagged.
func NewSampleMessage(payload []byte, encoding string, metadata metadatapkg.Metadata) *message.Message {
	if encoding != "" {
		metadata = metadata.WithEncoding(encoding)
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	return msg
}

// PublishSample publishes a tagged payload to topic. Producers use it to
// feed the bridge with test data.
func PublishSample(ctx context.Context, publisher message.Publisher, topic string, payload []byte, encoding string) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg := NewSampleMessage(payload, encoding, nil)
	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishSample emits a payload using the Service publisher.
func (s *Service) PublishSample(ctx context.Context, topic string, payload []byte, encoding string) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishSample(ctx, s.publisher, topic, payload, encoding)
}
