package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Frame is the envelope every room puts on the wire. Data is already encoded
// by the protocol layer and is opaque here.
type Frame struct {
	Type string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

func EncodeFrame(typ string, data []byte) ([]byte, error) {
	bytes, err := cbor.Marshal(Frame{
		Type: typ,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode frame %s: %w", typ, err)
	}
	return bytes, nil
}

func DecodeFrame(bytes []byte) (Frame, error) {
	var frame Frame
	if err := cbor.Unmarshal(bytes, &frame); err != nil {
		return Frame{}, fmt.Errorf("could not decode frame: %w", err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("frame has no type")
	}
	return frame, nil
}
