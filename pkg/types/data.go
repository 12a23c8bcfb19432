package types

import (
	"encoding/json"
	"fmt"
)

// EncodeData converts a typed stage payload into the map form carried by
// StageResult.Data. The single JSON codec keeps persisted state identical
// whether a payload was built from a struct or assembled by hand.
func EncodeData(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode stage data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode stage data: %w", err)
	}
	return out, nil
}

// DecodeData rebuilds a typed stage payload from StageResult.Data.
func DecodeData[T any](data map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, fmt.Errorf("decode stage data: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode stage data: %w", err)
	}
	return out, nil
}

// MustEncodeData is EncodeData for payload types that cannot fail to
// marshal; it panics on programmer error.
func MustEncodeData(v any) map[string]any {
	m, err := EncodeData(v)
	if err != nil {
		panic(err)
	}
	return m
}
