package common

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EncodeBase64 encodes bytes to URL-safe base64 string.
func EncodeBase64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes URL-safe base64 string.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}

// EncodeJSONToken marshals v and returns it as an opaque URL-safe token.
func EncodeJSONToken(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return EncodeBase64(raw), nil
}

// DecodeJSONToken reverses EncodeJSONToken into v.
func DecodeJSONToken(token string, v any) error {
	raw, err := DecodeBase64(token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	return nil
}
