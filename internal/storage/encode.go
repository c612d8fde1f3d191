package storage

import (
	"encoding/json"
	"fmt"

	"github.com/martinsuchenak/vnetd/internal/model"
)

// encodeAttributes serializes port attributes into the opaque blob kept in
// the port_attrs table
func encodeAttributes(attrs model.PortAttributes) (string, error) {
	if attrs == nil {
		attrs = model.PortAttributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("%w: attributes are not JSON serializable: %v", model.ErrValidation, err)
	}
	return string(data), nil
}

// decodeAttributes parses a blob written by encodeAttributes
func decodeAttributes(blob string) (model.PortAttributes, error) {
	attrs := model.PortAttributes{}
	if blob == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(blob), &attrs); err != nil {
		return nil, fmt.Errorf("decoding port attributes: %w", err)
	}
	return attrs, nil
}

// cloneAttributes round-trips attrs through JSON so callers never share
// maps with the store
func cloneAttributes(attrs model.PortAttributes) (model.PortAttributes, error) {
	blob, err := encodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	return decodeAttributes(blob)
}
