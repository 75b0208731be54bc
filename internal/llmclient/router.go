package llmclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

// Router implements schemas.CompletionClient and dispatches each request to the
// client configured for its tier. Continuation decisions ride the fast tier;
// planning, analysis and extraction the powerful one.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.CompletionClient
}

var _ schemas.CompletionClient = (*Router)(nil)

// NewRouter creates a router with a client per tier.
func NewRouter(logger *zap.Logger, fast, powerful schemas.CompletionClient) (*Router, error) {
	if fast == nil {
		return nil, fmt.Errorf("fast tier client cannot be nil")
	}
	if powerful == nil {
		return nil, fmt.Errorf("powerful tier client cannot be nil")
	}
	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.CompletionClient{
			schemas.TierFast:     fast,
			schemas.TierPowerful: powerful,
		},
	}, nil
}

func (r *Router) pick(tier schemas.ModelTier) (schemas.CompletionClient, error) {
	if tier == "" {
		tier = schemas.TierPowerful
	}
	client, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("no completion client configured for tier %q", tier)
	}
	r.logger.Debug("Routing completion request", zap.String("tier", string(tier)))
	return client, nil
}

// Complete forwards the request to the tier's client.
func (r *Router) Complete(ctx context.Context, req schemas.CompletionRequest) (string, error) {
	client, err := r.pick(req.Tier)
	if err != nil {
		return "", err
	}
	return client.Complete(ctx, req)
}

// CompleteJSON forwards the request to the tier's client.
func (r *Router) CompleteJSON(ctx context.Context, req schemas.CompletionRequest, out any) error {
	client, err := r.pick(req.Tier)
	if err != nil {
		return err
	}
	return client.CompleteJSON(ctx, req, out)
}

// NewClient is the factory wiring configured models into a tiered router.
func NewClient(cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.CompletionClient, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no completion models configured under agent.llm.models")
	}

	instantiated := make(map[string]schemas.CompletionClient)
	for name, modelCfg := range cfg.Models {
		var client schemas.CompletionClient
		var err error
		switch modelCfg.Provider {
		case config.ProviderGemini:
			client, err = NewGeminiClient(modelCfg, logger)
		default:
			return nil, fmt.Errorf("unknown completion provider %q for model %q", modelCfg.Provider, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create client for model %q: %w", name, err)
		}
		instantiated[name] = client
		logger.Info("Instantiated completion client",
			zap.String("name", name),
			zap.String("provider", string(modelCfg.Provider)),
			zap.String("model", modelCfg.Model))
	}

	fast, ok := instantiated[cfg.DefaultFastModel]
	if !ok {
		return nil, fmt.Errorf("default fast model %q not found in defined models", cfg.DefaultFastModel)
	}
	powerful, ok := instantiated[cfg.DefaultPowerfulModel]
	if !ok {
		return nil, fmt.Errorf("default powerful model %q not found in defined models", cfg.DefaultPowerfulModel)
	}
	return NewRouter(logger, fast, powerful)
}

var jsonBlockRegex = regexp.MustCompile("(?s)(?:```(?:json)?\\s*|)([\\[{].*[\\]}])(?:```|)")

// ExtractJSON strips markdown code fences and leading chatter from a model
// response, returning the innermost JSON object or array when one is present.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		return matches[1]
	}
	return response
}
