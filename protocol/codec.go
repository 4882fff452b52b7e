package protocol

import "encoding/json"

// PayloadFormat mirrors the MQTT5 payload-format-indicator: 0 for unspecified
// bytes, 1 for UTF-8 text.
type PayloadFormat uint8

const (
	PayloadFormatBytes PayloadFormat = 0
	PayloadFormatUTF8  PayloadFormat = 1
)

// Codec abstracts over concrete serialization formats (spec.md §4.3). The
// runtime never reflects over T; a caller supplies a concrete Codec[T] at
// construction time (spec.md §9's "runtime reflection -> typed codec
// interface" re-architecture note).
type Codec[T any] interface {
	// Encode serializes value, returning its bytes, MIME content type and
	// payload-format indicator.
	Encode(value T) (payload []byte, contentType string, format PayloadFormat, err error)
	// Decode parses payload back into a T. It must fail with
	// KindInvalidPayload if contentType does not match what this codec
	// produces, or the bytes do not parse. An empty payload is only valid if
	// T is the unit type (struct{}).
	Decode(payload []byte, contentType string, format PayloadFormat) (T, error)
}

// JSONCodec is the reference Codec[T] backed by stdlib encoding/json. Concrete
// domain serializers (Avro/CBOR/Protobuf) are out of scope per spec.md §1;
// this and RawCodec exist so C5/C6/C7/C8 and their tests have something
// concrete to run against.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, string, PayloadFormat, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, "", 0, ShallowError(KindInvalidPayload, "json encode: "+err.Error())
	}
	return b, "application/json", PayloadFormatUTF8, nil
}

func (JSONCodec[T]) Decode(payload []byte, contentType string, _ PayloadFormat) (T, error) {
	var zero T
	if contentType != "" && contentType != "application/json" {
		return zero, RemoteError(KindInvalidPayload, "unexpected content type "+contentType)
	}
	if len(payload) == 0 {
		if _, isUnit := any(zero).(struct{}); isUnit {
			return zero, nil
		}
		return zero, RemoteError(KindInvalidPayload, "empty payload for a non-unit type")
	}
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return zero, RemoteError(KindInvalidPayload, "json decode: "+err.Error())
	}
	return v, nil
}

// RawCodec is the identity Codec for []byte payloads (e.g. telemetry that is
// already encoded by the application, or commands whose request/response
// schema is raw bytes).
type RawCodec struct {
	// ContentType is reported on Encode and, if non-empty, validated on
	// Decode.
	ContentType string
}

func (c RawCodec) Encode(value []byte) ([]byte, string, PayloadFormat, error) {
	return value, c.ContentType, PayloadFormatBytes, nil
}

func (c RawCodec) Decode(payload []byte, contentType string, _ PayloadFormat) ([]byte, error) {
	if c.ContentType != "" && contentType != "" && contentType != c.ContentType {
		return nil, RemoteError(KindInvalidPayload, "unexpected content type "+contentType)
	}
	return payload, nil
}
