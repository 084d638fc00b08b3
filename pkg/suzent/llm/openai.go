package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const maxAttempts = 3

// retryDelay is the backoff unit between attempts; tests shorten it.
var retryDelay = 500 * time.Millisecond

// OpenAIClient adapts an OpenAI-compatible endpoint to the Provider and
// Embedder interfaces. A custom BaseURL points it at local or proxy
// servers that speak the same protocol.
type OpenAIClient struct {
	client         *openai.Client
	embeddingModel string
	logger         *slog.Logger
}

// NewOpenAIClient builds a client for the given endpoint. baseURL may be
// empty for the default OpenAI API.
func NewOpenAIClient(apiKey, baseURL, embeddingModel string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: embeddingModel,
		logger:         logger.With("component", "llm"),
	}
}

// Complete implements Provider. Rate-limit and server errors are
// retried with linear backoff before giving up.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 1; ; attempt++ {
		resp, err = c.client.CreateChatCompletion(ctx, c.toOpenAI(req))
		if err == nil || attempt == maxAttempts || !IsRetryable(err) {
			break
		}
		c.logger.Warn("retrying chat completion", "attempt", attempt, "error", err)
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}
	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream implements Provider. Tool-call fragments are accumulated by
// index and returned whole on the final response.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	oreq := c.toOpenAI(req)
	oreq.Stream = true
	// Only stream setup is retried; once deltas have flowed, a retry
	// would duplicate output.
	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 1; ; attempt++ {
		stream, err = c.client.CreateChatCompletionStream(ctx, oreq)
		if err == nil || attempt == maxAttempts || !IsRetryable(err) {
			break
		}
		c.logger.Warn("retrying chat stream", "attempt", attempt, "error", err)
		if err := c.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()

	out := &Response{}
	calls := map[int]*ToolCall{}
	maxIdx := -1
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat stream recv: %w", err)
		}
		if chunk.Usage != nil {
			out.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out.Content += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCall{}
				calls[idx] = call
				if idx > maxIdx {
					maxIdx = idx
				}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}
	for i := 0; i <= maxIdx; i++ {
		if call, ok := calls[i]; ok {
			out.ToolCalls = append(out.ToolCalls, *call)
		}
	}
	return out, nil
}

// Embed implements Embedder.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.embeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) toOpenAI(req Request) openai.ChatCompletionRequest {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if req.JSONResponse {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Images) > 0 {
			parts := []openai.ChatMessagePart{{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Content,
			}}
			for _, img := range m.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
					},
				})
			}
			om.Content = ""
			om.MultiContent = parts
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		oreq.Messages = append(oreq.Messages, om)
	}
	return oreq
}

func (c *OpenAIClient) backoff(ctx context.Context, attempt int) error {
	select {
	case <-time.After(time.Duration(attempt) * retryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable reports whether an OpenAI API error is worth retrying.
func IsRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}
