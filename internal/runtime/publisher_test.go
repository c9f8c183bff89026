package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	metadatapkg "github.com/drblury/foxbridge/internal/runtime/metadata"
)

type publisherTestContextKey struct{}

type testPublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []*message.Message
	err      error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *testPublisher) Close() error { return nil }

func TestNewSampleMessage(t *testing.T) {
	msg := NewSampleMessage([]byte("hi"), "Text/Plain; charset=utf-8", metadatapkg.Metadata{"origin": "unit"})
	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "hi", string(msg.Payload))
	assert.Equal(t, "unit", msg.Metadata.Get("origin"))
	assert.Equal(t, metadatapkg.EncodingTextPlain, metadatapkg.FromWatermill(msg.Metadata).Encoding(""))

	untagged := NewSampleMessage(nil, "", nil)
	assert.Empty(t, untagged.Metadata.Get(metadatapkg.KeyEncoding))
}

func TestPublishSample(t *testing.T) {
	pub := &testPublisher{}
	ctx := context.WithValue(context.Background(), publisherTestContextKey{}, "value")

	require.NoError(t, PublishSample(ctx, pub, "zigbee/climate", []byte(`{"temperature":21.5}`), metadatapkg.EncodingAppJSON))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, []string{"zigbee/climate"}, pub.topics)
	assert.Equal(t, metadatapkg.EncodingAppJSON, pub.messages[0].Metadata.Get(metadatapkg.KeyEncoding))
	assert.Equal(t, "value", pub.messages[0].Context().Value(publisherTestContextKey{}))
}

func TestPublishSampleValidations(t *testing.T) {
	require.ErrorIs(t, PublishSample(context.Background(), nil, "t", nil, ""), errspkg.ErrPublisherRequired)
	require.ErrorIs(t, PublishSample(context.Background(), &testPublisher{}, "", nil, ""), errspkg.ErrTopicRequired)

	boom := errors.New("publish failed")
	require.ErrorIs(t, PublishSample(context.Background(), &testPublisher{err: boom}, "t", nil, ""), boom)
}

func TestServicePublishSample(t *testing.T) {
	var nilSvc *Service
	require.ErrorIs(t, nilSvc.PublishSample(context.Background(), "t", nil, ""), errspkg.ErrServiceRequired)

	pub := &testPublisher{}
	svc := &Service{publisher: pub}
	require.NoError(t, svc.PublishSample(context.Background(), "t", []byte("x"), ""))
	assert.Equal(t, []string{"t"}, pub.topics)
}
