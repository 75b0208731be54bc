package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrWorkflowNotFound reports an operation on a workflow ID that does not exist.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Runner executes one investigation for an objective. The agent satisfies this.
type Runner interface {
	Run(ctx context.Context, objective string) (schemas.Report, error)
}

// Orchestrator manages persistent investigation workflows above the
// single-shot agent: scheduling, campaigns over target lists, alerting, and
// run-to-run change detection. A global ceiling bounds concurrent
// investigations across all workflows.
type Orchestrator struct {
	cfg    config.WorkflowConfig
	runner Runner
	logger *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*schemas.Workflow
	alerts    []schemas.Alert
	// lastEntities holds the entity identity set from each workflow's previous
	// run, the baseline for change detection.
	lastEntities map[string]map[string]bool

	sem  chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an orchestrator with no workflows.
func New(cfg config.WorkflowConfig, runner Runner, logger *zap.Logger) *Orchestrator {
	limit := cfg.MaxConcurrentRuns
	if limit <= 0 {
		limit = 1
	}
	return &Orchestrator{
		cfg:          cfg,
		runner:       runner,
		logger:       logger.Named("orchestrator"),
		workflows:    make(map[string]*schemas.Workflow),
		lastEntities: make(map[string]map[string]bool),
		sem:          make(chan struct{}, limit),
		stop:         make(chan struct{}),
	}
}

// Create validates and registers a workflow, assigning its ID. Validation
// failures surface before anything runs.
func (o *Orchestrator) Create(w schemas.Workflow) (schemas.Workflow, error) {
	if w.Type == schemas.WorkflowContinuous && w.Schedule == (schemas.ScheduleSpec{}) && o.cfg.DefaultInterval > 0 {
		w.Schedule.Interval = o.cfg.DefaultInterval
	}
	if err := validateWorkflow(&w); err != nil {
		return schemas.Workflow{}, err
	}

	w.ID = uuid.NewString()
	w.State = schemas.WorkflowActive
	w.CreatedAt = time.Now().UTC()
	if w.Type == schemas.WorkflowScheduled || w.Type == schemas.WorkflowContinuous {
		next := nextRun(w.Schedule, time.Now().UTC())
		w.NextRunDue = &next
	}

	o.mu.Lock()
	o.workflows[w.ID] = &w
	o.mu.Unlock()

	o.logger.Info("Workflow created",
		zap.String("workflow_id", w.ID),
		zap.String("name", w.Name),
		zap.String("type", string(w.Type)))
	return w, nil
}

// ValidateDefinition checks a workflow definition without registering it.
func ValidateDefinition(w schemas.Workflow) error {
	return validateWorkflow(&w)
}

func validateWorkflow(w *schemas.Workflow) error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("workflow name must not be empty")
	}
	if strings.TrimSpace(w.Objective) == "" {
		return fmt.Errorf("workflow objective must not be empty")
	}

	switch w.Type {
	case schemas.WorkflowOneTime:
	case schemas.WorkflowCampaign:
		if len(w.Targets) == 0 {
			return fmt.Errorf("campaign workflow needs at least one target")
		}
		if !strings.Contains(w.Objective, "{target}") {
			return fmt.Errorf("campaign objective must contain the {target} placeholder")
		}
	case schemas.WorkflowScheduled, schemas.WorkflowContinuous:
		if w.Schedule == (schemas.ScheduleSpec{}) {
			return fmt.Errorf("%w: %s workflow needs a schedule", schemas.ErrWorkflowSchedule, w.Type)
		}
		if err := validateSchedule(w.Schedule); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown workflow type %q", w.Type)
	}
	return nil
}

func validateSchedule(s schemas.ScheduleSpec) error {
	hasInterval := s.Interval > 0
	hasTime := s.TimeOfDay != ""
	if hasInterval == hasTime {
		return fmt.Errorf("%w: exactly one of interval or time_of_day must be set", schemas.ErrWorkflowSchedule)
	}
	if s.Interval < 0 {
		return fmt.Errorf("%w: interval must be positive", schemas.ErrWorkflowSchedule)
	}
	if hasTime {
		if _, err := time.Parse("15:04", s.TimeOfDay); err != nil {
			return fmt.Errorf("%w: time_of_day %q is not HH:MM", schemas.ErrWorkflowSchedule, s.TimeOfDay)
		}
	}
	return nil
}

// nextRun computes the next due time after now.
func nextRun(s schemas.ScheduleSpec, now time.Time) time.Time {
	if s.Interval > 0 {
		return now.Add(s.Interval)
	}
	t, _ := time.Parse("15:04", s.TimeOfDay)
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Get returns a snapshot of the workflow.
func (o *Orchestrator) Get(id string) (schemas.Workflow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workflows[id]
	if !ok {
		return schemas.Workflow{}, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	return *w, nil
}

// List returns all workflows, newest first.
func (o *Orchestrator) List() []schemas.Workflow {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]schemas.Workflow, 0, len(o.workflows))
	for _, w := range o.workflows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Pause stops future scheduled runs without discarding state.
func (o *Orchestrator) Pause(id string) error {
	return o.setState(id, schemas.WorkflowPaused)
}

// Resume reactivates a paused workflow and reschedules it.
func (o *Orchestrator) Resume(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	w.State = schemas.WorkflowActive
	if w.Type == schemas.WorkflowScheduled || w.Type == schemas.WorkflowContinuous {
		next := nextRun(w.Schedule, time.Now().UTC())
		w.NextRunDue = &next
	}
	return nil
}

// Remove deletes a workflow. Its alerts remain; the alert log is append-only.
func (o *Orchestrator) Remove(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	delete(o.workflows, id)
	delete(o.lastEntities, id)
	return nil
}

func (o *Orchestrator) setState(id string, state schemas.WorkflowState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	w.State = state
	return nil
}

// RunNow executes one cycle of the workflow immediately, regardless of its
// schedule. For campaigns the report is nil and the campaign result is set.
func (o *Orchestrator) RunNow(ctx context.Context, id string) (*schemas.Report, *schemas.CampaignResult, error) {
	w, err := o.Get(id)
	if err != nil {
		return nil, nil, err
	}

	if w.Type == schemas.WorkflowCampaign {
		result, err := o.runCampaign(ctx, w)
		if err != nil {
			return nil, nil, err
		}
		return nil, result, nil
	}

	report, err := o.runOne(ctx, w, w.Objective)
	if err != nil {
		return nil, nil, err
	}
	return report, nil, nil
}

// runOne executes a single investigation under the global ceiling and settles
// workflow bookkeeping and alerting.
func (o *Orchestrator) runOne(ctx context.Context, w schemas.Workflow, objective string) (*schemas.Report, error) {
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.sem }()

	report, err := o.runner.Run(ctx, objective)

	o.mu.Lock()
	if live, ok := o.workflows[w.ID]; ok {
		live.RunCount++
		if err == nil {
			live.LastRunID = report.Investigation.ID
		}
		if live.Type == schemas.WorkflowOneTime {
			live.State = schemas.WorkflowCompleted
		}
		if live.Type == schemas.WorkflowScheduled || live.Type == schemas.WorkflowContinuous {
			next := nextRun(live.Schedule, time.Now().UTC())
			live.NextRunDue = &next
		}
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("Workflow run failed", zap.String("workflow_id", w.ID), zap.Error(err))
		return nil, err
	}

	newEntities := o.detectChanges(w.ID, &report)
	o.evaluateAlerts(w, &report, newEntities)
	return &report, nil
}

// runCampaign runs the objective template across every target. A failed
// target keeps its slot in the results with the error preserved; the rest of
// the campaign proceeds.
func (o *Orchestrator) runCampaign(ctx context.Context, w schemas.Workflow) (*schemas.CampaignResult, error) {
	result := &schemas.CampaignResult{
		WorkflowID: w.ID,
		StartedAt:  time.Now().UTC(),
		Results:    make([]schemas.TargetResult, len(w.Targets)),
		Total:      len(w.Targets),
	}

	runTarget := func(i int, target string) {
		objective := strings.ReplaceAll(w.Objective, "{target}", target)
		report, err := o.runOne(ctx, w, objective)
		result.Results[i].Target = target
		if err != nil {
			result.Results[i].Err = err.Error()
			return
		}
		result.Results[i].Report = report
	}

	if w.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cap(o.sem))
		for i, target := range w.Targets {
			i, target := i, target
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					result.Results[i] = schemas.TargetResult{Target: target, Err: err.Error()}
					return nil
				}
				runTarget(i, target)
				// Per-target failures are recorded, not propagated, so one bad
				// target cannot cancel the rest.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, target := range w.Targets {
			if err := ctx.Err(); err != nil {
				result.Results[i] = schemas.TargetResult{Target: target, Err: err.Error()}
				continue
			}
			runTarget(i, target)
		}
	}

	for _, tr := range result.Results {
		if tr.Err != "" {
			result.Failed++
		} else {
			result.Completed++
		}
	}
	result.FinishedAt = time.Now().UTC()

	o.mu.Lock()
	if live, ok := o.workflows[w.ID]; ok {
		live.State = schemas.WorkflowCompleted
	}
	o.mu.Unlock()

	o.logger.Info("Campaign finished",
		zap.String("workflow_id", w.ID),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed))
	return result, nil
}

// detectChanges diffs the run's entity set against the workflow's previous run
// and returns the newly observed entity identities. The first run establishes
// the baseline and reports nothing.
func (o *Orchestrator) detectChanges(workflowID string, report *schemas.Report) []string {
	current := make(map[string]bool, len(report.Entities))
	for _, e := range report.Entities {
		current[string(e.Type)+":"+strings.ToLower(e.Value)] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	previous, hadBaseline := o.lastEntities[workflowID]
	o.lastEntities[workflowID] = current
	if !hadBaseline {
		return nil
	}

	var added []string
	for id := range current {
		if !previous[id] {
			added = append(added, id)
		}
	}
	sort.Strings(added)
	return added
}

// ExportWorkflows serializes every workflow definition to JSON.
func (o *Orchestrator) ExportWorkflows() ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]schemas.Workflow, 0, len(o.workflows))
	for _, w := range o.workflows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return json.MarshalIndent(out, "", "  ")
}

// ImportWorkflows registers workflow definitions from an export. Definitions
// are re-validated; IDs are preserved unless they collide.
func (o *Orchestrator) ImportWorkflows(data []byte) (int, error) {
	var imported []schemas.Workflow
	if err := json.Unmarshal(data, &imported); err != nil {
		return 0, fmt.Errorf("decoding workflow export: %w", err)
	}

	count := 0
	for i := range imported {
		w := imported[i]
		if err := validateWorkflow(&w); err != nil {
			return count, fmt.Errorf("workflow %q: %w", w.Name, err)
		}
		o.mu.Lock()
		if w.ID == "" {
			w.ID = uuid.NewString()
		} else if _, exists := o.workflows[w.ID]; exists {
			w.ID = uuid.NewString()
		}
		if w.State == "" {
			w.State = schemas.WorkflowActive
		}
		if w.CreatedAt.IsZero() {
			w.CreatedAt = time.Now().UTC()
		}
		o.workflows[w.ID] = &w
		o.mu.Unlock()
		count++
	}
	return count, nil
}
