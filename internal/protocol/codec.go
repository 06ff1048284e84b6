package protocol

import (
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
)

var (
	// ErrEncodeFailed is returned when a message cannot be serialized.
	ErrEncodeFailed = errors.New("failed to encode message")
	// ErrDecodeFailed is returned when message bytes cannot be deserialized.
	ErrDecodeFailed = errors.New("failed to decode message")
)

var cborHandle codec.CborHandle

// Marshal serializes a wire protocol struct to CBOR bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return buf, nil
}

// Unmarshal deserializes CBOR bytes into a wire protocol struct.
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &cborHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return nil
}

// WrapAuthorization wraps an authorization payload in both the authorization
// and network envelopes, returning the outermost bytes.
func WrapAuthorization(msgType AuthorizationMessageType, payload interface{}) ([]byte, error) {
	payloadBytes, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	authBytes, err := Marshal(&AuthorizationMessage{
		MessageType: msgType,
		Payload:     payloadBytes,
	})
	if err != nil {
		return nil, err
	}
	return Marshal(&NetworkMessage{
		MessageType: NetworkAuthorization,
		Payload:     authBytes,
	})
}

// WrapCircuit wraps already-serialized circuit payload bytes in both the
// circuit and network envelopes, returning the outermost bytes.
func WrapCircuit(msgType CircuitMessageType, payload []byte) ([]byte, error) {
	circuitBytes, err := Marshal(&CircuitMessage{
		MessageType: msgType,
		Payload:     payload,
	})
	if err != nil {
		return nil, err
	}
	return Marshal(&NetworkMessage{
		MessageType: NetworkCircuit,
		Payload:     circuitBytes,
	})
}
