package events

import (
	"encoding/json"
	"fmt"
	"io"
)

// keepAliveFrame is an SSE comment; clients ignore it
const keepAliveFrame = ": keep-alive\n\n"

// WriteFrame writes ev as one labeled SSE frame:
//
//	event: <type>
//	data: <json>
func WriteFrame(w io.Writer, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	return nil
}

// WriteKeepAlive writes a keep-alive comment frame
func WriteKeepAlive(w io.Writer) error {
	_, err := io.WriteString(w, keepAliveFrame)
	return err
}
