package codec

import (
	"encoding/json"
	"errors"
	"mime"
	"strings"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Content types understood by the codecs
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec defines the interface for encoding/decoding message bodies
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v interface{}) ([]byte, error)

	// Decode decodes bytes to a value
	Decode(data []byte, v interface{}) error

	// Name returns the codec name
	Name() string

	// ContentType returns the media type written for encoded bodies
	ContentType() string
}

// CodecType represents the codec type
type CodecType byte

const (
	CodecJSON     CodecType = 0x01
	CodecProtobuf CodecType = 0x03
)

// GetCodec returns a codec by type
func GetCodec(typ CodecType) (Codec, error) {
	switch typ {
	case CodecJSON:
		return &JSONCodec{}, nil
	case CodecProtobuf:
		return &ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// ForContentType picks a codec by media type. Vendor subtypes such as
// application/vnd.acme+json resolve by their suffix.
func ForContentType(contentType string) (Codec, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == ContentTypeJSON, mediaType == "text/json", strings.HasSuffix(mediaType, "+json"):
		return &JSONCodec{}, nil
	case mediaType == ContentTypeProtobuf, mediaType == "application/protobuf", strings.HasSuffix(mediaType, "+protobuf"):
		return &ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// Accepts reports whether an Accept header lists the codec's media type
func Accepts(accept string, c Codec) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == c.ContentType() {
			return true
		}
	}
	return false
}

// JSONCodec implements JSON encoding/decoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}
