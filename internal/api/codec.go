package api

import (
	"encoding/json"
	"fmt"
)

// CodecName is the connect codec name of JSONCodec
const CodecName = "json"

// JSONCodec marshals plain Go messages as JSON. It takes over the "json"
// codec name so handlers and clients exchange the messages of this package.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return CodecName
}

func (JSONCodec) Marshal(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", msg, err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("unmarshal %T: %w", msg, err)
	}
	return nil
}
