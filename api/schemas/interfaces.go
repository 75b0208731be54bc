package schemas

import (
	"context"
)

// ModelTier selects the capability class of the completion model for a request.
// Continuation decisions use the fast tier; planning and analysis the powerful one.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// CompletionRequest encapsulates one call to the completion service.
type CompletionRequest struct {
	SystemPrompt string
	Prompt       string
	Tier         ModelTier
	Temperature  float32
	MaxTokens    int
	// ForceJSON asks the provider to enforce JSON output mode if available.
	ForceJSON bool
}

// CompletionClient abstracts the large-language-model provider away from the
// agent logic. Retries and provider selection are internal to implementations.
type CompletionClient interface {
	// Complete returns the raw text completion for the request.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// CompleteJSON forces JSON output and unmarshals it into out. A response
	// that does not match returns a *ValidationError.
	CompleteJSON(ctx context.Context, req CompletionRequest, out any) error
}

// ParamSpec declares one tool parameter in a JSON-schema-like contract; the
// catalog of specs is rendered into planning prompts.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean", "array"
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ToolSpec is the self-description of a registered capability.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []ParamSpec `json:"parameters,omitempty"`
}

// ToolInvoker is the capability interface consumed by the agent: dispatch is a
// lookup plus a validated call, never reflection.
type ToolInvoker interface {
	Catalog() []ToolSpec
	Invoke(ctx context.Context, name string, params map[string]any) (any, error)
}

// GraphStore is the persistent entity/relationship store shared by all
// investigations. Implementations must serialize upserts per (type, natural key)
// so concurrent discovery of the same entity never creates duplicates.
type GraphStore interface {
	UpsertNode(ctx context.Context, typ EntityType, key string, props Properties) (Node, error)
	UpsertEdge(ctx context.Context, source, target NodeRef, rel RelationshipType, props Properties) (Edge, error)
	GetNode(ctx context.Context, ref NodeRef) (Node, error)
	// Subgraph returns the induced subgraph reachable from ref within depth hops.
	Subgraph(ctx context.Context, ref NodeRef, depth int) (Subgraph, error)
	// InvestigationsFor walks INVESTIGATES edges backward from an entity to the
	// investigation nodes referencing it.
	InvestigationsFor(ctx context.Context, ref NodeRef) ([]Node, error)
	SearchEntities(ctx context.Context, query string, types []EntityType, limit int) ([]Node, error)
	Stats(ctx context.Context) (GraphStats, error)
}

// MemoryStore is the authoritative, durable per-investigation record: an
// append-only action log plus structured findings, independent of the graph
// store (which is a derived cross-investigation index).
type MemoryStore interface {
	CreateInvestigation(ctx context.Context, inv Investigation) error
	GetInvestigation(ctx context.Context, id string) (Investigation, error)
	UpdateInvestigationStatus(ctx context.Context, id string, status InvestigationStatus) error
	UpdateInvestigationOutcome(ctx context.Context, id string, confidence float64, findings int) error
	AppendAction(ctx context.Context, id string, kind ActionKind, payload any) (ActionRecord, error)
	// Actions returns the most recent limit records in chronological order;
	// limit <= 0 returns the full log.
	Actions(ctx context.Context, id string, limit int) ([]ActionRecord, error)
	SaveFinding(ctx context.Context, f Finding) error
	Findings(ctx context.Context, id string) ([]Finding, error)
	ListInvestigations(ctx context.Context, status InvestigationStatus, limit int) ([]Investigation, error)
	Close() error
}
