package rpc

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec кодирует тела запросов и ответов.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborCodec: fxamacker/cbor читает json-теги, DTO общие.
type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) ContentType() string                { return ContentTypeCBOR }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// ParseCodec: по имени из конфига (rpc.codec).
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown rpc codec %q (want json or cbor)", name)
	}
}

// codecFor выбирает кодек по Content-Type; по умолчанию JSON.
func codecFor(contentType string) Codec {
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil && mt == ContentTypeCBOR {
		return CBOR
	}
	return JSON
}
