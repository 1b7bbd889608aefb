package syncengine

import (
	"encoding/json"
	"fmt"

	"github.com/aerostudio/mailcore/internal/mailapi"
)

// encodePayload/decodePayload round-trip a fetched payload through the
// pending_messages.raw_bytes column. JSON is sufficient here: pending rows
// are short-lived and never cross a schema version boundary.
func encodePayload(p mailapi.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending payload: %w", err)
	}
	return data, nil
}

func decodePayload(raw []byte) (mailapi.Payload, error) {
	var p mailapi.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return mailapi.Payload{}, fmt.Errorf("failed to decode pending payload: %w", err)
	}
	return p, nil
}
