// Package dispatch forwards a routed request to its inference backend.
//
// Backends expose OpenAI-style completion APIs, so one client type covers
// all of them: the SDK is pointed at the backend's base URL. The Dispatcher
// layers retry, fallback and the per-backend concurrency cap on top.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/salilkadam/inference-router/internal/registry"
)

// StreamChunk is one ordered piece of a streaming completion.
type StreamChunk struct {
	Content      string
	FinishReason string
}

// Payload carries the generation parameters for one dispatch.
type Payload struct {
	Query       string
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// Result is the normalized backend response. Stream is nil for aggregated
// responses; when non-nil the caller owns draining it.
type Result struct {
	Content string
	Model   string
	Stream  <-chan StreamChunk
}

// BackendError is a non-2xx response from a backend, surfaced with the
// upstream status so the gateway can distinguish client faults (4xx, never
// retried) from upstream failures (5xx, retried).
type BackendError struct {
	Backend string
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Backend, e.Message, e.Status)
}

func (e *BackendError) HTTPStatus() int { return e.Status }

// Retryable reports whether the error may succeed on another attempt.
func (e *BackendError) Retryable() bool { return e.Status >= 500 }

// client wraps the OpenAI SDK for a single backend.
type client struct {
	backend *registry.Backend
	api     openaiSDK.Client
}

func newClient(b *registry.Backend) *client {
	opts := []option.RequestOption{
		option.WithBaseURL(b.BaseURL),
		option.WithHTTPClient(&http.Client{Timeout: b.Timeout}),
		// The Dispatcher owns the retry budget; the SDK must not add its own.
		option.WithMaxRetries(0),
	}
	if b.APIKey != "" {
		opts = append(opts, option.WithAPIKey(b.APIKey))
	} else {
		// The SDK insists on a key; internal backends ignore it.
		opts = append(opts, option.WithAPIKey("internal"))
	}

	return &client{backend: b, api: openaiSDK.NewClient(opts...)}
}

func (c *client) params(modelID string, p Payload) openaiSDK.ChatCompletionNewParams {
	params := openaiSDK.ChatCompletionNewParams{
		Model: modelID,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(p.Query),
		},
	}
	// Zero is a valid temperature (greedy sampling). The gateway fills in
	// the default before dispatch, so the value is always intentional.
	params.Temperature = openaiSDK.Float(p.Temperature)
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(p.MaxTokens))
	}
	return params
}

// complete performs one non-streaming completion attempt.
func (c *client) complete(ctx context.Context, modelID string, p Payload) (*Result, error) {
	resp, err := c.api.Chat.Completions.New(ctx, c.params(modelID, p))
	if err != nil {
		return nil, c.toBackendError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &Result{Content: content, Model: resp.Model}, nil
}

// stream starts a streaming completion and adapts the SDK stream onto an
// ordered channel. Chunk order is preserved: a single goroutine reads the
// SDK stream and writes the channel.
func (c *client) stream(ctx context.Context, modelID string, p Payload) (*Result, error) {
	ch := make(chan StreamChunk, 64)

	sdkStream := c.api.Chat.Completions.NewStreaming(ctx, c.params(modelID, p))

	go func() {
		defer close(ch)

		for sdkStream.Next() {
			chunk := sdkStream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				ch <- StreamChunk{
					Content:      choice.Delta.Content,
					FinishReason: choice.FinishReason,
				}
				continue
			}
			if choice.FinishReason != "" {
				ch <- StreamChunk{FinishReason: choice.FinishReason}
			}
		}

		if err := sdkStream.Err(); err != nil {
			ch <- StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &Result{Model: modelID, Stream: ch}, nil
}

// toBackendError converts SDK errors into BackendError, preserving the
// upstream HTTP status. Transport-level errors pass through unchanged.
func (c *client) toBackendError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &BackendError{
			Backend: c.backend.Key,
			Status:  apiErr.StatusCode,
			Message: apiErr.Error(),
		}
	}
	return err
}
