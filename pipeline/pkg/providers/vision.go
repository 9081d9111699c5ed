package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	"github.com/prospectaio/prospecta/api/metrics"
)

// VisionCompleter is the image-model interface the photo-analysis workers
// consume. Model identifies the underlying model and keys cached analyses.
type VisionCompleter interface {
	Model() string
	AnalyzeImage(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mediaType string) (string, error)
}

var visionMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// AnthropicVisionClient implements VisionCompleter using the Anthropic API.
type AnthropicVisionClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	name      string
}

// NewAnthropicVisionClient creates a new Anthropic-based vision client.
func NewAnthropicVisionClient(model anthropic.Model, maxTokens int64, name string) *AnthropicVisionClient {
	return &AnthropicVisionClient{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
		name:      name,
	}
}

// Model returns the configured model identifier.
func (c *AnthropicVisionClient) Model() string { return string(c.model) }

// AnalyzeImage sends one image plus instructions to the model and returns the
// response text.
func (c *AnthropicVisionClient) AnalyzeImage(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, mediaType string) (string, error) {
	if !visionMediaTypes[mediaType] {
		return "", &Error{Provider: "vision", Kind: KindImageFormatInvalid,
			Message: fmt.Sprintf("unsupported media type %q", mediaType)}
	}
	if len(imageData) == 0 {
		return "", &Error{Provider: "vision", Kind: KindImageFormatInvalid, Message: "empty image"}
	}

	// Start Sentry span for AI monitoring
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("vision %s", c.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(c.model))
	span.SetData("gen_ai.request.max_tokens", c.maxTokens)
	span.SetData("gen_ai.system", "anthropic")
	ctx = span.Context()
	defer span.Finish()

	start := time.Now()
	slog.Info("Anthropic vision call starting", "phase", c.name, "model", c.model, "imageBytes", len(imageData), "mediaType", mediaType)

	encoded := base64.StdEncoding.EncodeToString(imageData)
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, encoded),
				anthropic.NewTextBlock(userPrompt),
			),
		},
	})

	duration := time.Since(start)
	if err != nil {
		slog.Error("Anthropic vision call failed", "phase", c.name, "duration", duration, "error", err)
		metrics.RecordAnthropicRequest(c.name, duration, err)
		span.Status = sentry.SpanStatusInternalError
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	slog.Info("Anthropic vision call completed",
		"phase", c.name,
		"duration", duration,
		"stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens,
		"outputTokens", msg.Usage.OutputTokens,
	)

	metrics.RecordAnthropicRequest(c.name, duration, nil)
	metrics.RecordAnthropicTokens(
		msg.Usage.InputTokens,
		msg.Usage.OutputTokens,
		msg.Usage.CacheCreationInputTokens,
		msg.Usage.CacheReadInputTokens,
	)

	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text content in response")
}
