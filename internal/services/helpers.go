package services

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func encodePayload(payload map[string]any) (datatypes.JSON, error) {
	if len(payload) == 0 {
		return datatypes.JSON(json.RawMessage(`{}`)), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("session service: marshal payload: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func decodePayload(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func clonePayload(source map[string]any) map[string]any {
	if len(source) == 0 {
		return make(map[string]any)
	}
	out := make(map[string]any, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}
