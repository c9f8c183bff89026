// Package metadata holds the headers that travel with bus messages and the
// encoding tag conventions the relays read from them.
package metadata

import (
	"maps"
	"strings"
)

// KeyEncoding is the metadata key carrying the bus-reported encoding tag of a
// message. Transports with a native content type (HTTP, the p2p envelope) map
// it onto this key.
const KeyEncoding = "content_type"

// Encoding tags understood by JSON relays.
const (
	EncodingTextPlain   = "text/plain"
	EncodingTextJSON    = "text/json"
	EncodingAppJSON     = "application/json"
	EncodingOctetStream = "application/octet-stream"
)

// Metadata represents the headers carried alongside a bus message.
type Metadata map[string]string

// New constructs a Metadata map from alternating key/value pairs. A trailing
// key without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return Metadata{}
	}
	return maps.Clone(m)
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Encoding returns the normalized encoding tag, or fallback when the message
// carries none.
func (m Metadata) Encoding(fallback string) string {
	if tag := NormalizeEncoding(m[KeyEncoding]); tag != "" {
		return tag
	}
	return NormalizeEncoding(fallback)
}

// WithEncoding returns a copy of m tagged with the supplied encoding.
func (m Metadata) WithEncoding(tag string) Metadata {
	return m.With(KeyEncoding, tag)
}

// NormalizeEncoding lowercases the tag and strips media type parameters, so
// "Application/JSON; charset=utf-8" becomes "application/json".
func NormalizeEncoding(tag string) string {
	tag, _, _ = strings.Cut(tag, ";")
	return strings.ToLower(strings.TrimSpace(tag))
}

// IsTextEncoding reports whether tag denotes a UTF-8 text payload.
func IsTextEncoding(tag string) bool {
	switch NormalizeEncoding(tag) {
	case EncodingTextPlain, EncodingTextJSON, EncodingAppJSON:
		return true
	}
	return false
}
