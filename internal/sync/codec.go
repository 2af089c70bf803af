package sync

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// EncodingSnappy is the Content-Encoding value for snappy-compressed bodies.
const EncodingSnappy = "snappy"

// EncodeMessage serializes msg as JSON, snappy-compressed when compress is set.
func EncodeMessage(msg *ReplicationMessage, compress bool) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal replication message: %w", err)
	}
	if !compress {
		return data, nil
	}
	return snappy.Encode(nil, data), nil
}

// DecodeMessage parses a body produced by EncodeMessage.
func DecodeMessage(body []byte, compressed bool) (*ReplicationMessage, error) {
	if compressed {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decompress replication message: %w", err)
		}
		body = decoded
	}
	var msg ReplicationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal replication message: %w", err)
	}
	return &msg, nil
}
