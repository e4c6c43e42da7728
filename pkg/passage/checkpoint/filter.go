package checkpoint

import (
	"encoding/json"
	"fmt"
)

// normalizeFilter round-trips a filter through JSON so its values have the
// same dynamic types as decoded metadata (float64, []any, map[string]any).
func normalizeFilter(filter map[string]any) (map[string]any, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return out, nil
}

// matchMetadata reports whether the row's metadata contains filter.
// filter must already be normalized. Undecodable metadata is a *DecodeError.
func matchMetadata(r *Row, filter map[string]any) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	var have map[string]any
	if err := json.Unmarshal(r.Metadata, &have); err != nil {
		return false, &DecodeError{
			ThreadID:     r.ThreadID,
			CheckpointID: r.CheckpointID,
			Err:          fmt.Errorf("%w: metadata: %v", ErrCorrupt, err),
		}
	}
	return contains(have, filter), nil
}

// contains mirrors the semantics of the jsonb @> operator.
func contains(have, want any) bool {
	switch w := want.(type) {
	case map[string]any:
		h, ok := have.(map[string]any)
		if !ok {
			return false
		}
		for k, wv := range w {
			hv, ok := h[k]
			if !ok || !contains(hv, wv) {
				return false
			}
		}
		return true
	case []any:
		h, ok := have.([]any)
		if !ok {
			return false
		}
		for _, wv := range w {
			found := false
			for _, hv := range h {
				if contains(hv, wv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return have == want
	}
}

// stageOf extracts the stage field from encoded metadata.
func stageOf(metadata []byte) string {
	var m struct {
		Stage string `json:"stage"`
	}
	_ = json.Unmarshal(metadata, &m)
	return m.Stage
}
