package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/carepick/carepick/internal/config"
	"github.com/carepick/carepick/internal/types"
)

// Modality selects the request body layout
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

// maxErrorDetail bounds the upstream body quoted in HTTP status errors
const maxErrorDetail = 1200

// ModelRequest is one logical call to the model service
type ModelRequest struct {
	Modality Modality
	Model    string
	Prompt   string
	// ImageURL is a data: URL, required for ModalityImage
	ImageURL string
	// Stream asks for incremental deltas; Sink receives them
	Stream bool
	Sink   func(delta string)
}

// ModelResult is the normalized outcome of a call
type ModelResult struct {
	Text  string
	Raw   map[string]any
	Usage *types.TokenUsage
}

// ModelInvoker is the boundary the capability executor depends on
type ModelInvoker interface {
	Invoke(ctx context.Context, req ModelRequest) (*ModelResult, error)
}

// Client talks to the Doubao Responses API
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	retry      *retrier
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig replaces the retry policy derived from the model config
func WithRetryConfig(rc RetryConfig) ClientOption {
	return func(c *Client) { c.retry = newRetrier(rc) }
}

// NewClient creates a model client. The API key is required.
func NewClient(cfg config.DoubaoConfig, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, NewError(CodeKeyMissing, http.StatusBadRequest,
			"Missing API key. Set DOUBAO_API_KEY or ARK_API_KEY in .env.local.")
	}
	c := &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		retry:      newRetrier(RetryConfigFromDoubao(cfg)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Invoke performs the call. With Stream set, deltas go to the sink as they
// arrive; if streaming fails for any reason the call is repeated without
// streaming, the full text is delivered to the sink once, and the raw
// payload records the streaming error under "_stream_fallback_error".
func (c *Client) Invoke(ctx context.Context, req ModelRequest) (*ModelResult, error) {
	body, err := buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	if req.Stream && req.Sink != nil {
		res, streamErr := c.invokeStream(ctx, body, req.Sink)
		if streamErr == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("doubao stream canceled: %w", ctx.Err())
		}
		slog.Warn("ai.stream.fallback", "model", req.Model, "error", streamErr)

		res, err = c.invokeOnce(ctx, body)
		if err != nil {
			return nil, err
		}
		res.Raw["_stream_fallback_error"] = streamErr.Error()
		req.Sink(res.Text)
		return res, nil
	}

	return c.invokeOnce(ctx, body)
}

func (c *Client) invokeOnce(ctx context.Context, body map[string]any) (*ModelResult, error) {
	var raw map[string]any
	err := c.retry.do(ctx, "responses", func(attemptCtx context.Context) error {
		var callErr error
		raw, callErr = c.post(attemptCtx, body)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	text, err := ExtractText(raw)
	if err != nil {
		return nil, err
	}
	return &ModelResult{Text: text, Raw: raw, Usage: ExtractUsage(raw)}, nil
}

func (c *Client) post(ctx context.Context, body map[string]any) (map[string]any, error) {
	resp, err := c.send(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if ctx.Err() != nil {
			return nil, classifyTransport(ctx, err)
		}
		return nil, &ServiceError{
			Code:       CodeInvalidPayload,
			Message:    fmt.Sprintf("Doubao API returned an unreadable payload: %v", err),
			HTTPStatus: http.StatusBadGateway,
			Cause:      err,
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// send issues the POST and maps transport and status failures to ServiceErrors.
// The caller owns the returned body.
func (c *Client) send(ctx context.Context, body map[string]any, stream bool) (*http.Response, error) {
	if stream {
		withStream := make(map[string]any, len(body)+1)
		for k, v := range body {
			withStream[k] = v
		}
		withStream["stream"] = true
		body = withStream
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) *ServiceError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := strings.TrimSpace(string(data))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail] + "...(truncated)"
	}
	return &ServiceError{
		Code:           CodeRequestFailed,
		Message:        fmt.Sprintf("Doubao API HTTP %d: %s", resp.StatusCode, detail),
		HTTPStatus:     http.StatusBadGateway,
		Kind:           KindHTTPStatus,
		UpstreamStatus: resp.StatusCode,
	}
}

// classifyTransport maps a transport failure to a timeout or network error
func classifyTransport(ctx context.Context, err error) *ServiceError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &ServiceError{
			Code:       CodeTimeout,
			Message:    "Doubao API timeout.",
			HTTPStatus: http.StatusGatewayTimeout,
			Kind:       KindTimeout,
			Cause:      err,
		}
	}
	reason := err.Error()
	if reason == "" {
		reason = "unknown"
	}
	return &ServiceError{
		Code:       CodeNetwork,
		Message:    "Doubao API network error: " + reason,
		HTTPStatus: http.StatusBadGateway,
		Kind:       KindNetwork,
		Cause:      err,
	}
}

func buildRequestBody(req ModelRequest) (map[string]any, error) {
	if req.Model == "" {
		return nil, InvalidInput("model is required")
	}
	content := make([]map[string]any, 0, 2)
	switch req.Modality {
	case ModalityImage:
		if req.ImageURL == "" {
			return nil, InvalidInput("image url is required for image requests")
		}
		content = append(content, map[string]any{"type": "input_image", "image_url": req.ImageURL})
	case ModalityText, "":
	default:
		return nil, InvalidInput("unsupported modality %q", req.Modality)
	}
	content = append(content, map[string]any{"type": "input_text", "text": req.Prompt})

	return map[string]any{
		"model": req.Model,
		"input": []map[string]any{
			{"role": "user", "content": content},
		},
	}, nil
}
