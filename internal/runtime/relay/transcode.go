package relay

import (
	"fmt"
	"unicode/utf8"

	configpkg "github.com/drblury/foxbridge/internal/runtime/config"
	errspkg "github.com/drblury/foxbridge/internal/runtime/errors"
	"github.com/drblury/foxbridge/internal/runtime/metadata"
)

// Transcode prepares a bus payload for its channel. Protobuf payloads are
// already in wire format and pass through. JSON payloads are accepted as UTF-8
// text when tagged text/plain, text/json or application/json, and as raw
// bytes when tagged application/octet-stream. Any other tag is rejected with
// ErrUnknownEncoding.
func Transcode(kind configpkg.Kind, encoding string, payload []byte) ([]byte, error) {
	switch kind {
	case configpkg.KindStructured:
		return payload, nil
	case configpkg.KindJSON:
		return transcodeJSON(encoding, payload)
	default:
		return nil, fmt.Errorf("unsupported subscription kind %q", kind)
	}
}

func transcodeJSON(encoding string, payload []byte) ([]byte, error) {
	tag := metadata.NormalizeEncoding(encoding)
	switch {
	case metadata.IsTextEncoding(tag):
		if !utf8.Valid(payload) {
			return nil, fmt.Errorf("%w: tagged %s", errspkg.ErrInvalidText, tag)
		}
		return payload, nil
	case tag == metadata.EncodingOctetStream:
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownEncoding, encoding)
	}
}
