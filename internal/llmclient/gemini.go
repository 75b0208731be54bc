package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

// GeminiClient implements schemas.CompletionClient on top of the Google GenAI
// SDK. Timeouts and retries are internal; callers see a single blocking call.
type GeminiClient struct {
	client *genai.Client
	cfg    config.LLMModelConfig
	logger *zap.Logger
}

var _ schemas.CompletionClient = (*GeminiClient)(nil)

// NewGeminiClient creates a client for one configured model.
func NewGeminiClient(cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini model %q: api key is required", cfg.Model)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiClient{
		client: client,
		cfg:    cfg,
		logger: logger.Named("gemini"),
	}, nil
}

// Complete sends the request and returns the text of the first candidate.
// Transient failures are retried with exponential backoff up to MaxRetries.
func (c *GeminiClient) Complete(ctx context.Context, req schemas.CompletionRequest) (string, error) {
	genCfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(req.Temperature)
	} else if c.cfg.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(c.cfg.Temperature)
	}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.MaxTokens)
	} else if c.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}
	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	timeout := c.cfg.APITimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	attempts := c.cfg.MaxRetries + 1
	backoff := time.Second

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		apiCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := c.client.Models.GenerateContent(apiCtx, c.cfg.Model, contents, genCfg)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		text := resp.Text()
		if text == "" {
			lastErr = fmt.Errorf("model %q returned an empty completion", c.cfg.Model)
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", attempts, lastErr)
}

// CompleteJSON forces JSON output mode and unmarshals the completion into out.
func (c *GeminiClient) CompleteJSON(ctx context.Context, req schemas.CompletionRequest, out any) error {
	req.ForceJSON = true
	text, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	payload := ExtractJSON(text)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return &schemas.ValidationError{Reason: err.Error(), Raw: text}
	}
	return nil
}
