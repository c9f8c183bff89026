package p2p

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := message.NewMessage("id-1", []byte{0x00, 0xFB, 0x01, 0xFF})
	msg.Metadata.Set("content_type", "application/octet-stream")
	msg.Metadata.Set("correlation_id", "abc")

	got, err := decodeEnvelope(encodeEnvelope(msg))
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.UUID)
	assert.Equal(t, []byte{0x00, 0xFB, 0x01, 0xFF}, []byte(got.Payload))
	assert.Equal(t, msg.Metadata, got.Metadata)
}

func TestEnvelopeIsDeterministic(t *testing.T) {
	msg := message.NewMessage("id", []byte("p"))
	for _, k := range []string{"a", "b", "c", "d"} {
		msg.Metadata.Set(k, k)
	}
	assert.Equal(t, encodeEnvelope(msg), encodeEnvelope(msg))
}

func TestDecodePlainGossip(t *testing.T) {
	got, err := decodeEnvelope([]byte(`{"x":1}`))
	require.NoError(t, err)
	assert.NotEmpty(t, got.UUID)
	assert.Equal(t, `{"x":1}`, string(got.Payload))
	assert.Empty(t, got.Metadata)
}

func TestDecodeEmptyUUIDGetsOne(t *testing.T) {
	got, err := decodeEnvelope(encodeEnvelope(message.NewMessage("", []byte("x"))))
	require.NoError(t, err)
	assert.NotEmpty(t, got.UUID)
	assert.Equal(t, "x", string(got.Payload))
}

func TestDecodeTruncated(t *testing.T) {
	msg := message.NewMessage("id-1", nil)
	msg.Metadata.Set("key", "value")
	full := encodeEnvelope(msg)

	for _, cut := range []int{3, 6, len(full) - 1} {
		_, err := decodeEnvelope(full[:cut])
		assert.ErrorIs(t, err, errTruncatedEnvelope, "cut at %d", cut)
	}
}
