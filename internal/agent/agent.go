package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EntityExtractor pulls typed entities out of raw tool output.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]schemas.ExtractedEntity, error)
}

// Agent runs one investigation at a time: it plans against the tool catalog,
// executes, re-evaluates after every action, adapts when the queue runs dry,
// and synthesizes a report. All tool access goes through the invoker; the
// agent itself holds no collection logic.
type Agent struct {
	cfg       config.AgentConfig
	llm       schemas.CompletionClient
	tools     schemas.ToolInvoker
	memory    schemas.MemoryStore
	graph     schemas.GraphStore
	extractor EntityExtractor
	logger    *zap.Logger
}

// New wires an agent from its collaborators.
func New(cfg config.AgentConfig, llm schemas.CompletionClient, tools schemas.ToolInvoker, memory schemas.MemoryStore, graph schemas.GraphStore, ex EntityExtractor, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		llm:       llm,
		tools:     tools,
		memory:    memory,
		graph:     graph,
		extractor: ex,
		logger:    logger.Named("agent"),
	}
}

// decision is the closed set of continuation outcomes. Anything the model
// returns outside this set is treated as insufficient.
type decision string

const (
	decisionSufficient   decision = "sufficient"
	decisionInsufficient decision = "insufficient"
	decisionPivot        decision = "pivot"
)

type decisionResponse struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// runState carries everything accumulated across one investigation.
type runState struct {
	inv       schemas.Investigation
	plan      []schemas.PlannedAction
	queue     []schemas.PlannedAction
	entities  []schemas.ExtractedEntity
	edges     []schemas.Edge
	seen      map[string]bool
	iteration int
	toolsUsed int
	started   time.Time
}

// Run executes a full investigation of the objective and returns the report.
// Planning failure is fatal; everything after that degrades instead of
// aborting.
func (a *Agent) Run(ctx context.Context, objective string) (schemas.Report, error) {
	state := &runState{
		inv: schemas.Investigation{
			ID:        uuid.NewString(),
			Objective: objective,
			Status:    schemas.InvestigationPending,
			CreatedAt: time.Now().UTC(),
		},
		seen:    make(map[string]bool),
		started: time.Now().UTC(),
	}
	log := a.logger.With(zap.String("investigation_id", state.inv.ID))
	log.Info("Investigation starting", zap.String("objective", objective))

	if err := a.memory.CreateInvestigation(ctx, state.inv); err != nil {
		return schemas.Report{}, fmt.Errorf("creating investigation record: %w", err)
	}
	if _, err := a.graph.UpsertNode(ctx, schemas.EntityInvestigation, state.inv.ID, schemas.Properties{"objective": objective}); err != nil {
		log.Warn("Failed to register investigation node", zap.Error(err))
	}
	if err := a.memory.UpdateInvestigationStatus(ctx, state.inv.ID, schemas.InvestigationRunning); err != nil {
		return schemas.Report{}, err
	}
	state.inv.Status = schemas.InvestigationRunning

	if err := a.plan(ctx, state, log); err != nil {
		a.fail(ctx, state, log)
		return schemas.Report{}, err
	}

	if err := a.executeLoop(ctx, state, log); err != nil {
		a.fail(ctx, state, log)
		return schemas.Report{}, err
	}

	analysis := a.analyze(ctx, state, log)
	report := a.report(ctx, state, analysis, log)
	log.Info("Investigation completed",
		zap.Int("iterations", state.iteration),
		zap.Int("findings", len(analysis.Findings)),
		zap.Float64("confidence", analysis.OverallConfidence))
	return report, nil
}

// plan asks the powerful tier for the initial action plan. A planning failure
// is unrecoverable; the investigation is marked failed with its log retained.
func (a *Agent) plan(ctx context.Context, state *runState, log *zap.Logger) error {
	var planned []schemas.PlannedAction
	err := a.llm.CompleteJSON(ctx, schemas.CompletionRequest{
		SystemPrompt: planningSystemPrompt,
		Prompt:       renderPlanningPrompt(state.inv.Objective, a.tools.Catalog()),
		Tier:         schemas.TierPowerful,
		Temperature:  0.4,
	}, &planned)
	if err != nil {
		log.Error("Planning failed", zap.Error(err))
		return fmt.Errorf("%w: %v", schemas.ErrPlanningFailure, err)
	}
	planned = sanitizeActions(planned)
	if len(planned) == 0 {
		log.Error("Planner returned no usable actions")
		return fmt.Errorf("%w: empty plan", schemas.ErrPlanningFailure)
	}

	state.plan = planned
	state.queue = append(state.queue, planned...)
	if _, err := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionPlanCreated, planned); err != nil {
		return err
	}
	log.Info("Plan created", zap.Int("actions", len(planned)))
	return nil
}

// executeLoop drains the action queue, re-planning when it runs dry, until the
// evidence is sufficient, adaptation is exhausted, or the iteration ceiling is
// hit. The ceiling is unconditional.
func (a *Agent) executeLoop(ctx context.Context, state *runState, log *zap.Logger) error {
	for state.iteration < a.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			log.Warn("Investigation cancelled", zap.Int("iteration", state.iteration))
			return fmt.Errorf("%w: %v", schemas.ErrInvestigationCancelled, err)
		}

		if len(state.queue) == 0 {
			added, err := a.adapt(ctx, state, log)
			if err != nil {
				return err
			}
			if !added {
				log.Info("Adaptation exhausted, moving to analysis")
				return nil
			}
			continue
		}

		action := state.queue[0]
		state.queue = state.queue[1:]
		state.iteration++

		a.execute(ctx, state, action, log)

		switch a.decide(ctx, state, log) {
		case decisionSufficient:
			log.Info("Evidence judged sufficient", zap.Int("iteration", state.iteration))
			return nil
		case decisionPivot:
			log.Info("Pivoting, discarding remaining queue", zap.Int("discarded", len(state.queue)))
			state.queue = nil
		}
	}
	log.Info("Iteration ceiling reached", zap.Int("max_iterations", a.cfg.MaxIterations))
	return nil
}

// execute runs one action. Tool failures, including unknown tools, become log
// entries and the loop continues.
func (a *Agent) execute(ctx context.Context, state *runState, action schemas.PlannedAction, log *zap.Logger) {
	result, err := a.tools.Invoke(ctx, action.Tool, action.Parameters)
	if err != nil {
		log.Warn("Tool invocation failed", zap.String("tool", action.Tool), zap.Error(err))
		payload := map[string]any{"tool": action.Tool, "parameters": action.Parameters, "error": err.Error()}
		if _, aerr := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionToolError, payload); aerr != nil {
			log.Error("Failed to record tool error", zap.Error(aerr))
		}
		return
	}

	state.toolsUsed++
	payload := map[string]any{"tool": action.Tool, "parameters": action.Parameters, "result": result}
	if _, err := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionToolExecuted, payload); err != nil {
		log.Error("Failed to record tool result", zap.Error(err))
	}

	a.harvest(ctx, state, result, log)
}

// harvest extracts entities from a tool result and merges them into the graph,
// linking each to the running investigation.
func (a *Agent) harvest(ctx context.Context, state *runState, result any, log *zap.Logger) {
	raw, err := json.MarshalToString(result)
	if err != nil {
		return
	}
	entities, err := a.extractor.Extract(ctx, raw)
	if err != nil && !errors.Is(err, schemas.ErrExtractionDegraded) {
		log.Warn("Entity extraction failed", zap.Error(err))
		return
	}

	invRef := schemas.NodeRef{Type: schemas.EntityInvestigation, Key: state.inv.ID}
	for _, ent := range entities {
		id := string(ent.Type) + "|" + strings.ToLower(ent.Value)
		if !state.seen[id] {
			state.seen[id] = true
			state.entities = append(state.entities, ent)
		}

		props := schemas.Properties{"confidence": ent.Confidence}
		for k, v := range ent.Properties {
			props[k] = v
		}
		node, err := a.graph.UpsertNode(ctx, ent.Type, ent.Value, props)
		if err != nil {
			log.Warn("Failed to merge entity", zap.String("value", ent.Value), zap.Error(err))
			continue
		}
		edge, err := a.graph.UpsertEdge(ctx, invRef, node.Ref(), schemas.RelationshipInvestigates, nil)
		if err != nil {
			log.Warn("Failed to link entity", zap.String("value", ent.Value), zap.Error(err))
			continue
		}
		if edge.Occurrences == 1 {
			state.edges = append(state.edges, edge)
		}
	}
}

// decide asks the fast tier whether the collected evidence answers the
// objective. Unparseable output defaults to continuing.
func (a *Agent) decide(ctx context.Context, state *runState, log *zap.Logger) decision {
	recent, err := a.memory.Actions(ctx, state.inv.ID, a.cfg.DecisionWindow)
	if err != nil {
		log.Warn("Failed to read action window", zap.Error(err))
		return decisionInsufficient
	}

	var resp decisionResponse
	err = a.llm.CompleteJSON(ctx, schemas.CompletionRequest{
		SystemPrompt: decisionSystemPrompt,
		Prompt:       renderDecisionPrompt(state.inv.Objective, recent, state.iteration, a.cfg.MaxIterations),
		Tier:         schemas.TierFast,
		Temperature:  0.1,
	}, &resp)

	result := decisionInsufficient
	if err == nil {
		switch decision(strings.ToLower(strings.TrimSpace(resp.Decision))) {
		case decisionSufficient:
			result = decisionSufficient
		case decisionPivot:
			result = decisionPivot
		}
	} else {
		log.Debug("Continuation decision unparseable, continuing", zap.Error(err))
	}

	payload := map[string]any{"decision": string(result), "reason": resp.Reason, "iteration": state.iteration}
	if _, aerr := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionDecision, payload); aerr != nil {
		log.Error("Failed to record decision", zap.Error(aerr))
	}
	return result
}

// adapt asks for a short follow-up plan when the queue is empty. No usable
// actions means the investigation has run out of moves.
func (a *Agent) adapt(ctx context.Context, state *runState, log *zap.Logger) (bool, error) {
	recent, err := a.memory.Actions(ctx, state.inv.ID, a.cfg.DecisionWindow)
	if err != nil {
		return false, err
	}

	var planned []schemas.PlannedAction
	err = a.llm.CompleteJSON(ctx, schemas.CompletionRequest{
		SystemPrompt: adaptationSystemPrompt,
		Prompt:       renderAdaptationPrompt(state.inv.Objective, a.tools.Catalog(), recent),
		Tier:         schemas.TierPowerful,
		Temperature:  0.6,
	}, &planned)
	if err != nil {
		log.Warn("Adaptation failed", zap.Error(err))
		return false, nil
	}
	planned = sanitizeActions(planned)
	if len(planned) == 0 {
		return false, nil
	}

	state.queue = append(state.queue, planned...)
	if _, err := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionPlanCreated, planned); err != nil {
		return false, err
	}
	log.Info("Strategy adapted", zap.Int("new_actions", len(planned)))
	return true, nil
}

// analyze synthesizes findings from the full action log. When the completion
// service is unusable it degrades to a mechanical summary instead of failing
// the run.
func (a *Agent) analyze(ctx context.Context, state *runState, log *zap.Logger) schemas.Analysis {
	actions, err := a.memory.Actions(ctx, state.inv.ID, 0)
	if err != nil {
		log.Error("Failed to read action log for analysis", zap.Error(err))
		actions = nil
	}

	var analysis schemas.Analysis
	err = a.llm.CompleteJSON(ctx, schemas.CompletionRequest{
		SystemPrompt: analysisSystemPrompt,
		Prompt:       renderAnalysisPrompt(state.inv.Objective, actions, state.entities),
		Tier:         schemas.TierPowerful,
		Temperature:  0.3,
	}, &analysis)
	if err != nil {
		log.Warn("Analysis degraded to mechanical summary", zap.Error(err))
		analysis = a.degradedAnalysis(actions, state)
	}

	analysis.Findings = clampFindings(state.inv.ID, analysis.Findings)
	analysis.OverallConfidence = meanConfidence(analysis.Findings)

	for _, f := range analysis.Findings {
		if err := a.memory.SaveFinding(ctx, f); err != nil {
			log.Error("Failed to save finding", zap.Error(err))
		}
	}
	if _, err := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionAnalysisCompleted, analysis); err != nil {
		log.Error("Failed to record analysis", zap.Error(err))
	}
	return analysis
}

// degradedAnalysis builds what it can from the raw records alone.
func (a *Agent) degradedAnalysis(actions []schemas.ActionRecord, state *runState) schemas.Analysis {
	var succeeded, failed int
	for _, rec := range actions {
		switch rec.Kind {
		case schemas.ActionToolExecuted:
			succeeded++
		case schemas.ActionToolError:
			failed++
		}
	}

	analysis := schemas.Analysis{Degraded: true}
	if succeeded > 0 {
		analysis.Findings = append(analysis.Findings, schemas.Finding{
			InvestigationID: state.inv.ID,
			Statement:       fmt.Sprintf("Collected raw results from %d tool executions (%d failed); %d distinct entities observed.", succeeded, failed, len(state.entities)),
			Confidence:      0.3,
		})
	}
	analysis.Gaps = append(analysis.Gaps, "analysis service unavailable; findings limited to mechanical summary")
	return analysis
}

// report assembles the final structured report and settles the investigation
// record.
func (a *Agent) report(ctx context.Context, state *runState, analysis schemas.Analysis, log *zap.Logger) schemas.Report {
	finished := time.Now().UTC()

	if err := a.memory.UpdateInvestigationOutcome(ctx, state.inv.ID, analysis.OverallConfidence, len(analysis.Findings)); err != nil {
		log.Error("Failed to record outcome", zap.Error(err))
	}
	if err := a.memory.UpdateInvestigationStatus(ctx, state.inv.ID, schemas.InvestigationCompleted); err != nil {
		log.Error("Failed to complete investigation", zap.Error(err))
	}
	state.inv.Status = schemas.InvestigationCompleted
	state.inv.CompletedAt = &finished
	conf := analysis.OverallConfidence
	state.inv.Confidence = &conf
	state.inv.FindingsCount = len(analysis.Findings)

	if _, err := a.memory.AppendAction(ctx, state.inv.ID, schemas.ActionReportGenerated, map[string]any{
		"findings":   len(analysis.Findings),
		"entities":   len(state.entities),
		"confidence": analysis.OverallConfidence,
	}); err != nil {
		log.Error("Failed to record report generation", zap.Error(err))
	}

	actions, err := a.memory.Actions(ctx, state.inv.ID, 0)
	if err != nil {
		log.Error("Failed to read action log for report", zap.Error(err))
	}

	return schemas.Report{
		Investigation: state.inv,
		Plan:          state.plan,
		Actions:       actions,
		Analysis:      analysis,
		Entities:      state.entities,
		Edges:         state.edges,
		Metadata: schemas.ReportMetadata{
			StartedAt:  state.started,
			FinishedAt: finished,
			Duration:   finished.Sub(state.started),
			Iterations: state.iteration,
			ToolsUsed:  state.toolsUsed,
		},
	}
}

// fail marks the investigation failed while keeping everything logged so far.
// The status write must land even when the run's context was cancelled.
func (a *Agent) fail(ctx context.Context, state *runState, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := a.memory.UpdateInvestigationStatus(ctx, state.inv.ID, schemas.InvestigationFailed); err != nil {
		log.Error("Failed to mark investigation failed", zap.Error(err))
	}
}

// sanitizeActions drops entries the planner produced without a tool name and
// caps runaway plans.
func sanitizeActions(planned []schemas.PlannedAction) []schemas.PlannedAction {
	const maxPlanLength = 12
	out := planned[:0]
	for _, p := range planned {
		if strings.TrimSpace(p.Tool) == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) > maxPlanLength {
		out = out[:maxPlanLength]
	}
	return out
}

// clampFindings discards findings with out-of-range confidence and stamps the
// investigation ID.
func clampFindings(invID string, findings []schemas.Finding) []schemas.Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Confidence < 0 || f.Confidence > 1 {
			continue
		}
		if strings.TrimSpace(f.Statement) == "" {
			continue
		}
		f.InvestigationID = invID
		out = append(out, f)
	}
	return out
}

func meanConfidence(findings []schemas.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += f.Confidence
	}
	return sum / float64(len(findings))
}
