package p2p

import (
	"encoding/binary"
	"errors"
	"slices"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Gossip payloads start with envelopeMagic and envelopeVersion, followed by
// the message UUID, the metadata pairs and the raw payload. Every string is
// prefixed with its uvarint length.
const (
	envelopeMagic   byte = 0xFB
	envelopeVersion byte = 0x01
)

var errTruncatedEnvelope = errors.New("truncated envelope")

func encodeEnvelope(msg *message.Message) []byte {
	size := 2 + binary.MaxVarintLen64 + len(msg.UUID) + binary.MaxVarintLen64 + len(msg.Payload)
	for k, v := range msg.Metadata {
		size += 2*binary.MaxVarintLen64 + len(k) + len(v)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, envelopeMagic, envelopeVersion)
	buf = appendString(buf, msg.UUID)
	buf = binary.AppendUvarint(buf, uint64(len(msg.Metadata)))

	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, msg.Metadata[k])
	}
	return append(buf, msg.Payload...)
}

// decodeEnvelope turns gossip data into a message. Data without the envelope
// header comes from plain gossip publishers and becomes the payload of a
// message with a fresh ID and no metadata.
func decodeEnvelope(data []byte) (*message.Message, error) {
	if len(data) < 2 || data[0] != envelopeMagic || data[1] != envelopeVersion {
		return message.NewMessage(watermill.NewULID(), slices.Clone(data)), nil
	}
	rest := data[2:]

	uuid, rest, err := readString(rest)
	if err != nil {
		return nil, err
	}
	count, n := binary.Uvarint(rest)
	if n <= 0 || count > uint64(len(rest)) {
		return nil, errTruncatedEnvelope
	}
	rest = rest[n:]

	md := make(message.Metadata, count)
	for range count {
		var k, v string
		if k, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if v, rest, err = readString(rest); err != nil {
			return nil, err
		}
		md[k] = v
	}

	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, slices.Clone(rest))
	msg.Metadata = md
	return msg, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 || l > uint64(len(b)-n) {
		return "", nil, errTruncatedEnvelope
	}
	end := n + int(l)
	return string(b[n:end]), b[end:], nil
}
