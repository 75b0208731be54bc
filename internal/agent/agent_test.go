package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
	"github.com/kestrelsec/kestrel/internal/graph"
	"github.com/kestrelsec/kestrel/internal/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedLLM routes completion calls by pipeline stage and replays canned
// JSON documents.
type scriptedLLM struct {
	mu          sync.Mutex
	planJSON    string
	planErr     error
	decisions   []string
	adaptations []string
	analysis    string
	analysisErr error
}

func (s *scriptedLLM) Complete(ctx context.Context, req schemas.CompletionRequest) (string, error) {
	return "", errors.New("not used")
}

func (s *scriptedLLM) CompleteJSON(ctx context.Context, req schemas.CompletionRequest, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc string
	switch {
	case strings.Contains(req.SystemPrompt, "planning stage"):
		if s.planErr != nil {
			return s.planErr
		}
		doc = s.planJSON
	case strings.Contains(req.SystemPrompt, "continuation judge"):
		doc = s.pop(&s.decisions, `{"decision": "insufficient", "reason": "default"}`)
	case strings.Contains(req.SystemPrompt, "strategy stage"):
		doc = s.pop(&s.adaptations, `[]`)
	case strings.Contains(req.SystemPrompt, "analysis stage"):
		if s.analysisErr != nil {
			return s.analysisErr
		}
		doc = s.analysis
	default:
		return errors.New("unexpected prompt")
	}
	return json.Unmarshal([]byte(doc), out)
}

func (s *scriptedLLM) pop(queue *[]string, fallback string) string {
	if len(*queue) == 0 {
		return fallback
	}
	doc := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return doc
}

// fakeInvoker records invocations and mimics the registry's error contract.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    []string
	onInvoke func()
}

func (f *fakeInvoker) Catalog() []schemas.ToolSpec {
	return []schemas.ToolSpec{
		{Name: "domain_lookup", Description: "Resolves a domain.", Parameters: []schemas.ParamSpec{
			{Name: "domain", Type: "string", Required: true},
		}},
		{Name: "ip_lookup", Description: "Investigates an IP."},
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	hook := f.onInvoke
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	switch name {
	case "domain_lookup":
		return map[string]any{"domain": params["domain"], "addresses": []string{"203.0.113.8"}}, nil
	case "ip_lookup":
		return map[string]any{"ip": params["ip"], "hostnames": []string{"host.example.test"}}, nil
	default:
		return nil, &schemas.ToolInvocationError{Tool: name, Err: schemas.ErrUnknownTool}
	}
}

// fixedExtractor returns the same entities for any input.
type fixedExtractor struct {
	entities []schemas.ExtractedEntity
}

func (f *fixedExtractor) Extract(ctx context.Context, text string) ([]schemas.ExtractedEntity, error) {
	return f.entities, nil
}

type fixture struct {
	agent   *Agent
	llm     *scriptedLLM
	invoker *fakeInvoker
	memory  *memory.SQLiteStore
	graph   *graph.InMemoryStore
}

func newFixture(t *testing.T, llm *scriptedLLM, maxIterations int) *fixture {
	t.Helper()
	mem, err := memory.NewSQLiteStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	g := graph.NewInMemoryStore(zap.NewNop())
	invoker := &fakeInvoker{}
	ex := &fixedExtractor{entities: []schemas.ExtractedEntity{
		{Type: schemas.EntityIPAddress, Value: "203.0.113.8", Confidence: 0.9},
	}}

	cfg := config.AgentConfig{MaxIterations: maxIterations, DecisionWindow: 5}
	return &fixture{
		agent:   New(cfg, llm, invoker, mem, g, ex, zap.NewNop()),
		llm:     llm,
		invoker: invoker,
		memory:  mem,
		graph:   g,
	}
}

const twoActionPlan = `[
	{"tool": "domain_lookup", "parameters": {"domain": "example.test"}, "rationale": "baseline"},
	{"tool": "ip_lookup", "parameters": {"ip": "203.0.113.8"}, "rationale": "follow the A record"}
]`

func TestRunCompletesWhenSufficient(t *testing.T) {
	llm := &scriptedLLM{
		planJSON: twoActionPlan,
		decisions: []string{
			`{"decision": "insufficient", "reason": "one record only"}`,
			`{"decision": "sufficient", "reason": "objective answered"}`,
		},
		analysis: `{"findings": [
			{"statement": "example.test is hosted on 203.0.113.8", "confidence": 0.9, "sources": [2]},
			{"statement": "no further infrastructure discovered", "confidence": 0.5}
		], "risk_indicators": ["single-host footprint"]}`,
	}
	f := newFixture(t, llm, 15)

	report, err := f.agent.Run(context.Background(), "map example.test infrastructure")
	require.NoError(t, err)

	assert.Equal(t, schemas.InvestigationCompleted, report.Investigation.Status)
	assert.Equal(t, 2, report.Metadata.Iterations)
	assert.Equal(t, 2, report.Metadata.ToolsUsed)
	assert.Equal(t, []string{"domain_lookup", "ip_lookup"}, f.invoker.calls)

	require.Len(t, report.Analysis.Findings, 2)
	assert.InDelta(t, 0.7, report.Analysis.OverallConfidence, 1e-9, "overall confidence is the mean")
	require.NotNil(t, report.Investigation.Confidence)
	assert.InDelta(t, 0.7, *report.Investigation.Confidence, 1e-9)

	saved, err := f.memory.Findings(context.Background(), report.Investigation.ID)
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	node, err := f.graph.GetNode(context.Background(), schemas.NodeRef{Type: schemas.EntityIPAddress, Key: "203.0.113.8"})
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.8", node.Key)

	invs, err := f.graph.InvestigationsFor(context.Background(), node.Ref())
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, report.Investigation.ID, invs[0].Key)
}

func TestRunPlanningFailureIsFatal(t *testing.T) {
	llm := &scriptedLLM{planErr: errors.New("model unavailable")}
	f := newFixture(t, llm, 15)

	_, err := f.agent.Run(context.Background(), "doomed objective")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrPlanningFailure)

	invs, err := f.memory.ListInvestigations(context.Background(), schemas.InvestigationFailed, 0)
	require.NoError(t, err)
	require.Len(t, invs, 1, "failed investigation record is retained")
	assert.Equal(t, "doomed objective", invs[0].Objective)
}

func TestRunEmptyPlanIsFatal(t *testing.T) {
	llm := &scriptedLLM{planJSON: `[{"tool": "  "}]`}
	f := newFixture(t, llm, 15)

	_, err := f.agent.Run(context.Background(), "objective")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrPlanningFailure)
}

func TestRunUnknownToolContinues(t *testing.T) {
	llm := &scriptedLLM{
		planJSON: `[
			{"tool": "no_such_tool", "parameters": {}},
			{"tool": "domain_lookup", "parameters": {"domain": "example.test"}}
		]`,
		decisions: []string{
			`{"decision": "insufficient"}`,
			`{"decision": "sufficient"}`,
		},
		analysis: `{"findings": []}`,
	}
	f := newFixture(t, llm, 15)

	report, err := f.agent.Run(context.Background(), "objective")
	require.NoError(t, err, "an unknown tool must not abort the run")
	assert.Equal(t, 1, report.Metadata.ToolsUsed)

	var kinds []schemas.ActionKind
	for _, rec := range report.Actions {
		kinds = append(kinds, rec.Kind)
	}
	assert.Contains(t, kinds, schemas.ActionToolError)
	assert.Contains(t, kinds, schemas.ActionToolExecuted)
}

func TestRunAdaptationExhausted(t *testing.T) {
	llm := &scriptedLLM{
		planJSON: `[{"tool": "domain_lookup", "parameters": {"domain": "example.test"}}]`,
		// Queue drains after one action and adaptation returns nothing.
		decisions: []string{`{"decision": "insufficient"}`},
		analysis:  `{"findings": [{"statement": "partial picture only", "confidence": 0.4}]}`,
	}
	f := newFixture(t, llm, 15)

	report, err := f.agent.Run(context.Background(), "objective")
	require.NoError(t, err, "exhausted adaptation concludes the run instead of failing it")
	assert.Equal(t, schemas.InvestigationCompleted, report.Investigation.Status)
	assert.Equal(t, 1, report.Metadata.Iterations)
}

func TestRunIterationCeiling(t *testing.T) {
	llm := &scriptedLLM{
		planJSON: twoActionPlan,
		// Never sufficient, and adaptation always restocks the queue.
		adaptations: []string{`[
			{"tool": "ip_lookup", "parameters": {"ip": "203.0.113.8"}},
			{"tool": "domain_lookup", "parameters": {"domain": "example.test"}}
		]`},
		analysis: `{"findings": []}`,
	}
	f := newFixture(t, llm, 4)

	report, err := f.agent.Run(context.Background(), "objective")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Metadata.Iterations, "the iteration ceiling is unconditional")
}

func TestRunPivotDiscardsQueue(t *testing.T) {
	llm := &scriptedLLM{
		planJSON:  twoActionPlan,
		decisions: []string{`{"decision": "pivot", "reason": "wrong trail"}`},
		adaptations: []string{
			`[{"tool": "ip_lookup", "parameters": {"ip": "203.0.113.8"}}]`,
			`[]`,
		},
		analysis: `{"findings": []}`,
	}
	f := newFixture(t, llm, 15)

	report, err := f.agent.Run(context.Background(), "objective")
	require.NoError(t, err)

	// First planned action runs, the second is discarded by the pivot, then
	// the adapted action runs.
	assert.Equal(t, []string{"domain_lookup", "ip_lookup"}, f.invoker.calls)
	assert.Equal(t, 2, report.Metadata.Iterations)
}

func TestRunDegradedAnalysis(t *testing.T) {
	llm := &scriptedLLM{
		planJSON:    `[{"tool": "domain_lookup", "parameters": {"domain": "example.test"}}]`,
		decisions:   []string{`{"decision": "sufficient"}`},
		analysisErr: errors.New("model unavailable"),
	}
	f := newFixture(t, llm, 15)

	report, err := f.agent.Run(context.Background(), "objective")
	require.NoError(t, err, "analysis failure degrades instead of aborting")
	assert.True(t, report.Analysis.Degraded)
	require.Len(t, report.Analysis.Findings, 1)
	assert.InDelta(t, 0.3, report.Analysis.OverallConfidence, 1e-9)
	assert.NotEmpty(t, report.Analysis.Gaps)
	assert.Equal(t, schemas.InvestigationCompleted, report.Investigation.Status)
}

func TestRunCancellation(t *testing.T) {
	llm := &scriptedLLM{planJSON: twoActionPlan}
	f := newFixture(t, llm, 15)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel mid-run, after the first tool call returns.
	f.invoker.onInvoke = cancel

	_, err := f.agent.Run(ctx, "objective")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrInvestigationCancelled)

	invs, lerr := f.memory.ListInvestigations(context.Background(), schemas.InvestigationFailed, 0)
	require.NoError(t, lerr)
	assert.Len(t, invs, 1)
}

func TestRunUnparseableDecisionContinues(t *testing.T) {
	llm := &scriptedLLM{
		planJSON:  `[{"tool": "domain_lookup", "parameters": {"domain": "example.test"}}]`,
		decisions: []string{`{"decision": "perhaps?"}`},
		analysis:  `{"findings": []}`,
	}
	f := newFixture(t, llm, 15)

	report, err := f.agent.Run(context.Background(), "objective")
	require.NoError(t, err)

	var decisions []string
	for _, rec := range report.Actions {
		if rec.Kind == schemas.ActionDecision {
			var payload struct {
				Decision string `json:"decision"`
			}
			require.NoError(t, json.Unmarshal(rec.Payload, &payload))
			decisions = append(decisions, payload.Decision)
		}
	}
	require.NotEmpty(t, decisions)
	assert.Equal(t, "insufficient", decisions[0], "out-of-enum output defaults to continuing")
}
