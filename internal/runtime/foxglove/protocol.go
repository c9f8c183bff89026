// Package foxglove implements the server side of the Foxglove WebSocket
// protocol (foxglove.websocket.v1): channels are advertised to viewers,
// viewers subscribe, and messages are fanned out as binary frames.
package foxglove

import (
	"encoding/base64"
	"encoding/binary"
)

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "foxglove.websocket.v1"

// Server to client ops.
const (
	opServerInfo = "serverInfo"
	opAdvertise  = "advertise"
	opStatus     = "status"
)

// Client to server ops.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

// opMessageData prefixes binary message frames.
const opMessageData byte = 0x01

// messageDataHeaderLen is opcode + subscription id + timestamp.
const messageDataHeaderLen = 1 + 4 + 8

// StatusLevel grades status messages sent to viewers.
type StatusLevel int

const (
	StatusInfo StatusLevel = iota
	StatusWarning
	StatusError
)

type serverInfo struct {
	Op                 string            `json:"op"`
	Name               string            `json:"name"`
	Capabilities       []string          `json:"capabilities"`
	SupportedEncodings []string          `json:"supportedEncodings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SessionID          string            `json:"sessionId"`
}

type channelInfo struct {
	ID             uint32 `json:"id"`
	Topic          string `json:"topic"`
	Encoding       string `json:"encoding"`
	SchemaName     string `json:"schemaName"`
	Schema         string `json:"schema"`
	SchemaEncoding string `json:"schemaEncoding,omitempty"`
}

type advertise struct {
	Op       string        `json:"op"`
	Channels []channelInfo `json:"channels"`
}

type status struct {
	Op      string      `json:"op"`
	Level   StatusLevel `json:"level"`
	Message string      `json:"message"`
}

type clientOp struct {
	Op string `json:"op"`
}

type subscription struct {
	ID        uint32 `json:"id"`
	ChannelID uint32 `json:"channelId"`
}

type subscribeRequest struct {
	Op            string         `json:"op"`
	Subscriptions []subscription `json:"subscriptions"`
}

type unsubscribeRequest struct {
	Op              string   `json:"op"`
	SubscriptionIDs []uint32 `json:"subscriptionIds"`
}

// binarySchemaEncodings carry binary schemas, which travel base64 encoded
// inside the JSON advertise frame.
var binarySchemaEncodings = map[string]bool{
	"protobuf":   true,
	"flatbuffer": true,
}

func schemaText(schemaEncoding string, schema []byte) string {
	if binarySchemaEncodings[schemaEncoding] {
		return base64.StdEncoding.EncodeToString(schema)
	}
	return string(schema)
}

// encodeMessageData frames one message for one subscription.
func encodeMessageData(subscriptionID uint32, timestamp uint64, payload []byte) []byte {
	frame := make([]byte, messageDataHeaderLen+len(payload))
	frame[0] = opMessageData
	binary.LittleEndian.PutUint32(frame[1:5], subscriptionID)
	binary.LittleEndian.PutUint64(frame[5:13], timestamp)
	copy(frame[messageDataHeaderLen:], payload)
	return frame
}

// DecodeMessageData splits a binary message frame. It is the inverse of the
// framing used by Channel.Send and is mainly useful to clients and tests.
func DecodeMessageData(frame []byte) (subscriptionID uint32, timestamp uint64, payload []byte, ok bool) {
	if len(frame) < messageDataHeaderLen || frame[0] != opMessageData {
		return 0, 0, nil, false
	}
	subscriptionID = binary.LittleEndian.Uint32(frame[1:5])
	timestamp = binary.LittleEndian.Uint64(frame[5:13])
	return subscriptionID, timestamp, frame[messageDataHeaderLen:], true
}
