package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodePermitPayload serializes a permit payload to the base64 JSON form
// carried in the payment header.
func EncodePermitPayload(payload PermitPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal permit payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePermitPayload decodes a base64 payment header value back into a
// permit payload.
func DecodePermitPayload(header string) (PermitPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PermitPayload{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var payload PermitPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PermitPayload{}, fmt.Errorf("invalid permit payload JSON: %w", err)
	}
	return payload, nil
}
