package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stream event types emitted by the Responses API
const (
	streamEventDelta     = "response.output_text.delta"
	streamEventCompleted = "response.completed"
	streamEventFailed    = "response.failed"
	streamEventError     = "error"
)

var errStreamIncomplete = errors.New("stream ended without output")

// invokeStream makes a single streaming attempt. It is never retried: any
// failure is handed back to Invoke, which falls back to a plain call.
func (c *Client) invokeStream(ctx context.Context, body map[string]any, sink func(string)) (*ModelResult, error) {
	if c.retry.sem != nil {
		if err := c.retry.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire concurrency slot for stream: %w", err)
		}
		defer c.retry.sem.Release(1)
	}
	if c.retry.limiter != nil {
		if err := c.retry.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("stream rate limiter: %w", err)
		}
	}
	if c.retry.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.send(ctx, body, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		deltas  strings.Builder
		final   map[string]any
		emitted bool
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

scan:
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("malformed stream event: %w", err)
		}
		eventType, _ := event["type"].(string)
		switch eventType {
		case streamEventDelta:
			if delta, ok := event["delta"].(string); ok && delta != "" {
				deltas.WriteString(delta)
				sink(delta)
				emitted = true
			}
		case streamEventCompleted:
			if r, ok := event["response"].(map[string]any); ok {
				final = r
			}
			break scan
		case streamEventFailed, streamEventError:
			return nil, fmt.Errorf("stream reported %s: %s", eventType, data)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if final == nil {
		if deltas.Len() == 0 {
			return nil, errStreamIncomplete
		}
		final = map[string]any{"output_text": deltas.String()}
	}
	text, err := ExtractText(final)
	if err != nil {
		if deltas.Len() == 0 {
			return nil, err
		}
		text = strings.TrimSpace(deltas.String())
	}
	if !emitted {
		sink(text)
	}
	return &ModelResult{Text: text, Raw: final, Usage: ExtractUsage(final)}, nil
}
