package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes and decodes frames for one wire encoding.
type Codec interface {
	Name() string
	EncodeToClient(msg *ToClient) ([]byte, error)
	DecodeToServer(data []byte) (*ToServer, error)
}

// ForEncoding returns the codec for a connection's negotiated encoding.
func ForEncoding(encoding string) (Codec, error) {
	switch encoding {
	case EncodingCBOR:
		return cborCodec{}, nil
	case EncodingJSON:
		return jsonCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown protocol encoding %q", encoding)
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return EncodingCBOR }

func (cborCodec) EncodeToClient(msg *ToClient) ([]byte, error) {
	return cbor.Marshal(msg)
}

func (cborCodec) DecodeToServer(data []byte) (*ToServer, error) {
	var msg ToServer
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode cbor frame: %w", err)
	}
	return &msg, nil
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return EncodingJSON }

func (jsonCodec) EncodeToClient(msg *ToClient) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) DecodeToServer(data []byte) (*ToServer, error) {
	var msg ToServer
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode json frame: %w", err)
	}
	return &msg, nil
}
