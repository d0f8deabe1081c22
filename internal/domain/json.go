package domain

import (
	"bytes"
	"encoding/json"
)

// MarshalJSON encodes v without HTML escaping so that non-ASCII text
// (Chinese tickers, 摘要 summaries) round-trips byte-for-byte instead of
// degrading to \uXXXX sequences.
func MarshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder appends a trailing newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalJSONString is MarshalJSON returning a string for TEXT columns.
func MarshalJSONString(v any) (string, error) {
	b, err := MarshalJSON(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
