package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
	"github.com/kestrelsec/kestrel/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedRunner builds reports via a per-objective callback and records the
// order of invocations.
type scriptedRunner struct {
	mu    sync.Mutex
	calls []string
	fn    func(objective string, call int) (schemas.Report, error)
}

func (r *scriptedRunner) Run(ctx context.Context, objective string) (schemas.Report, error) {
	r.mu.Lock()
	r.calls = append(r.calls, objective)
	call := len(r.calls)
	r.mu.Unlock()

	if r.fn != nil {
		return r.fn(objective, call)
	}
	return simpleReport(objective, nil, nil), nil
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func simpleReport(objective string, findings []schemas.Finding, entities []schemas.ExtractedEntity) schemas.Report {
	id := uuid.NewString()
	return schemas.Report{
		Investigation: schemas.Investigation{
			ID:        id,
			Objective: objective,
			Status:    schemas.InvestigationCompleted,
			CreatedAt: time.Now().UTC(),
		},
		Analysis: schemas.Analysis{Findings: findings},
		Entities: entities,
	}
}

func newTestOrchestrator(runner Runner) *Orchestrator {
	cfg := config.WorkflowConfig{MaxConcurrentRuns: 2, DefaultInterval: time.Minute}
	return New(cfg, runner, zap.NewNop())
}

func TestCreateValidation(t *testing.T) {
	o := newTestOrchestrator(&scriptedRunner{})

	tests := []struct {
		name     string
		workflow schemas.Workflow
		wantErr  error
	}{
		{
			name:     "scheduled without schedule",
			workflow: schemas.Workflow{Name: "w", Objective: "o", Type: schemas.WorkflowScheduled},
			wantErr:  schemas.ErrWorkflowSchedule,
		},
		{
			name: "both interval and time of day",
			workflow: schemas.Workflow{Name: "w", Objective: "o", Type: schemas.WorkflowScheduled,
				Schedule: schemas.ScheduleSpec{Interval: time.Hour, TimeOfDay: "09:00"}},
			wantErr: schemas.ErrWorkflowSchedule,
		},
		{
			name: "malformed time of day",
			workflow: schemas.Workflow{Name: "w", Objective: "o", Type: schemas.WorkflowScheduled,
				Schedule: schemas.ScheduleSpec{TimeOfDay: "25:99"}},
			wantErr: schemas.ErrWorkflowSchedule,
		},
		{
			name:     "campaign without targets",
			workflow: schemas.Workflow{Name: "w", Objective: "investigate {target}", Type: schemas.WorkflowCampaign},
		},
		{
			name: "campaign without placeholder",
			workflow: schemas.Workflow{Name: "w", Objective: "static objective", Type: schemas.WorkflowCampaign,
				Targets: []string{"a.test"}},
		},
		{
			name:     "unknown type",
			workflow: schemas.Workflow{Name: "w", Objective: "o", Type: "sometimes"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Create(tc.workflow)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestCreateValidWorkflows(t *testing.T) {
	o := newTestOrchestrator(&scriptedRunner{})

	daily, err := o.Create(schemas.Workflow{
		Name: "daily", Objective: "o", Type: schemas.WorkflowScheduled,
		Schedule: schemas.ScheduleSpec{TimeOfDay: "06:30"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, daily.ID)
	assert.Equal(t, schemas.WorkflowActive, daily.State)
	require.NotNil(t, daily.NextRunDue)
	assert.True(t, daily.NextRunDue.After(time.Now().UTC().Add(-time.Minute)))

	interval, err := o.Create(schemas.Workflow{
		Name: "interval", Objective: "o", Type: schemas.WorkflowContinuous,
		Schedule: schemas.ScheduleSpec{Interval: 5 * time.Minute},
	})
	require.NoError(t, err)
	require.NotNil(t, interval.NextRunDue)

	defaulted, err := o.Create(schemas.Workflow{
		Name: "defaulted", Objective: "o", Type: schemas.WorkflowContinuous,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, defaulted.Schedule.Interval,
		"continuous workflow without a schedule takes the configured interval")
	require.NotNil(t, defaulted.NextRunDue)
}

func TestRunNowOneTime(t *testing.T) {
	runner := &scriptedRunner{}
	o := newTestOrchestrator(runner)

	w, err := o.Create(schemas.Workflow{Name: "once", Objective: "map example.test", Type: schemas.WorkflowOneTime})
	require.NoError(t, err)

	report, campaign, err := o.RunNow(context.Background(), w.ID)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Nil(t, campaign)
	assert.Equal(t, "map example.test", report.Investigation.Objective)

	got, err := o.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkflowCompleted, got.State)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, report.Investigation.ID, got.LastRunID)
}

func TestCampaignOneTargetFails(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			runner := &scriptedRunner{fn: func(objective string, call int) (schemas.Report, error) {
				if strings.Contains(objective, "bad.test") {
					return schemas.Report{}, errors.New("collection blocked")
				}
				return simpleReport(objective, nil, nil), nil
			}}
			o := newTestOrchestrator(runner)

			w, err := o.Create(schemas.Workflow{
				Name: "sweep", Objective: "profile {target}", Type: schemas.WorkflowCampaign,
				Targets: []string{"a.test", "bad.test", "c.test"}, Parallel: parallel,
			})
			require.NoError(t, err)

			report, result, err := o.RunNow(context.Background(), w.ID)
			require.NoError(t, err)
			assert.Nil(t, report)
			require.NotNil(t, result)

			assert.Equal(t, 3, result.Total)
			assert.Equal(t, 2, result.Completed)
			assert.Equal(t, 1, result.Failed, "one bad target must not sink the campaign")

			require.Len(t, result.Results, 3)
			assert.Equal(t, "a.test", result.Results[0].Target, "slot order follows target order")
			assert.Equal(t, "bad.test", result.Results[1].Target)
			assert.Equal(t, "c.test", result.Results[2].Target)

			assert.NotNil(t, result.Results[0].Report)
			assert.Nil(t, result.Results[1].Report)
			assert.Contains(t, result.Results[1].Err, "collection blocked")
			assert.NotNil(t, result.Results[2].Report)

			got, err := o.Get(w.ID)
			require.NoError(t, err)
			assert.Equal(t, schemas.WorkflowCompleted, got.State)
		})
	}
}

func TestChangeDetectionExactlyOnce(t *testing.T) {
	baseline := []schemas.ExtractedEntity{
		{Type: schemas.EntityDomain, Value: "example.test", Confidence: 0.9},
	}
	grown := append([]schemas.ExtractedEntity{
		{Type: schemas.EntityIPAddress, Value: "203.0.113.99", Confidence: 0.9},
	}, baseline...)

	runner := &scriptedRunner{fn: func(objective string, call int) (schemas.Report, error) {
		if call == 1 {
			return simpleReport(objective, nil, baseline), nil
		}
		return simpleReport(objective, nil, grown), nil
	}}
	o := newTestOrchestrator(runner)

	w, err := o.Create(schemas.Workflow{
		Name: "watch", Objective: "monitor example.test", Type: schemas.WorkflowContinuous,
		Schedule: schemas.ScheduleSpec{Interval: time.Hour},
		Conditions: []schemas.AlertCondition{
			{Type: schemas.ConditionChangeDetected, Severity: schemas.SeverityMedium},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = o.RunNow(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, o.Alerts(w.ID), "first run only establishes the baseline")

	_, _, err = o.RunNow(ctx, w.ID)
	require.NoError(t, err)
	alerts := o.Alerts(w.ID)
	require.Len(t, alerts, 1, "new entity raises exactly one alert")
	assert.Equal(t, schemas.ConditionChangeDetected, alerts[0].Condition)
	newEntities, ok := alerts[0].Detail["new_entities"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"IP_ADDRESS:203.0.113.99"}, newEntities)

	_, _, err = o.RunNow(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, o.Alerts(w.ID), 1, "an unchanged entity set raises nothing")
}

func TestAlertConditions(t *testing.T) {
	findings := []schemas.Finding{
		{Statement: "credential leak observed on paste site", Confidence: 0.95},
		{Statement: "domain parked, low activity", Confidence: 0.4},
	}
	runner := &scriptedRunner{fn: func(objective string, call int) (schemas.Report, error) {
		report := simpleReport(objective, findings, nil)
		report.Analysis.RiskIndicators = []string{"exposed credentials"}
		return report, nil
	}}
	o := newTestOrchestrator(runner)

	w, err := o.Create(schemas.Workflow{
		Name: "alerting", Objective: "o", Type: schemas.WorkflowOneTime,
		Conditions: []schemas.AlertCondition{
			{Type: schemas.ConditionFindingCount, Severity: schemas.SeverityLow, Threshold: 2},
			{Type: schemas.ConditionHighConfidence, Severity: schemas.SeverityHigh, MinConfidence: 0.9},
			{Type: schemas.ConditionKeywordMatch, Severity: schemas.SeverityCritical, Keywords: []string{"credential"}},
			{Type: schemas.ConditionRiskIndicator, Severity: schemas.SeverityMedium},
			{Type: schemas.ConditionFindingCount, Severity: schemas.SeverityLow, Threshold: 10},
		},
	})
	require.NoError(t, err)

	_, _, err = o.RunNow(context.Background(), w.ID)
	require.NoError(t, err)

	alerts := o.Alerts(w.ID)
	require.Len(t, alerts, 4, "every matched condition raises its own alert")

	byCondition := map[schemas.AlertConditionType]schemas.Alert{}
	for _, a := range alerts {
		byCondition[a.Condition] = a
		assert.Equal(t, schemas.AlertActive, a.Status)
		assert.NotEmpty(t, a.InvestigationID)
	}
	assert.Contains(t, byCondition, schemas.ConditionFindingCount)
	assert.Contains(t, byCondition, schemas.ConditionHighConfidence)
	assert.Contains(t, byCondition, schemas.ConditionKeywordMatch)
	assert.Contains(t, byCondition, schemas.ConditionRiskIndicator)
	assert.Equal(t, "credential", byCondition[schemas.ConditionKeywordMatch].Detail["keyword"])
}

func TestAlertLifecycle(t *testing.T) {
	runner := &scriptedRunner{fn: func(objective string, call int) (schemas.Report, error) {
		return simpleReport(objective, []schemas.Finding{{Statement: "x", Confidence: 0.9}}, nil), nil
	}}
	o := newTestOrchestrator(runner)

	w, err := o.Create(schemas.Workflow{
		Name: "lifecycle", Objective: "o", Type: schemas.WorkflowOneTime,
		Conditions: []schemas.AlertCondition{
			{Type: schemas.ConditionFindingCount, Severity: schemas.SeverityLow, Threshold: 1},
		},
	})
	require.NoError(t, err)
	_, _, err = o.RunNow(context.Background(), w.ID)
	require.NoError(t, err)

	alerts := o.Alerts("")
	require.Len(t, alerts, 1)

	require.NoError(t, o.Acknowledge(alerts[0].ID))
	assert.Equal(t, schemas.AlertAcknowledged, o.Alerts("")[0].Status)

	require.NoError(t, o.Resolve(alerts[0].ID))
	assert.Equal(t, schemas.AlertResolved, o.Alerts("")[0].Status)

	assert.ErrorIs(t, o.Acknowledge("missing"), ErrAlertNotFound)
}

func TestPauseResumeRemove(t *testing.T) {
	o := newTestOrchestrator(&scriptedRunner{})

	w, err := o.Create(schemas.Workflow{
		Name: "pausable", Objective: "o", Type: schemas.WorkflowContinuous,
		Schedule: schemas.ScheduleSpec{Interval: time.Hour},
	})
	require.NoError(t, err)

	require.NoError(t, o.Pause(w.ID))
	got, err := o.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkflowPaused, got.State)

	require.NoError(t, o.Resume(w.ID))
	got, err = o.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.WorkflowActive, got.State)
	assert.NotNil(t, got.NextRunDue)

	require.NoError(t, o.Remove(w.ID))
	_, err = o.Get(w.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.ErrorIs(t, o.Pause(w.ID), ErrWorkflowNotFound)
}

func TestExportImportRoundTrip(t *testing.T) {
	o := newTestOrchestrator(&scriptedRunner{})

	_, err := o.Create(schemas.Workflow{Name: "one", Objective: "o1", Type: schemas.WorkflowOneTime})
	require.NoError(t, err)
	_, err = o.Create(schemas.Workflow{
		Name: "two", Objective: "o2", Type: schemas.WorkflowScheduled,
		Schedule: schemas.ScheduleSpec{Interval: time.Hour},
	})
	require.NoError(t, err)

	data, err := o.ExportWorkflows()
	require.NoError(t, err)

	fresh := newTestOrchestrator(&scriptedRunner{})
	count, err := fresh.ImportWorkflows(data)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Len(t, fresh.List(), 2)

	names := map[string]bool{}
	for _, w := range fresh.List() {
		names[w.Name] = true
	}
	assert.True(t, names["one"] && names["two"])
}

func TestImportRejectsInvalid(t *testing.T) {
	o := newTestOrchestrator(&scriptedRunner{})

	_, err := o.ImportWorkflows([]byte(`[{"name": "bad", "objective": "o", "type": "scheduled"}]`))
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrWorkflowSchedule)
}

func TestDispatchDueRunsScheduledWorkflow(t *testing.T) {
	runner := &scriptedRunner{}
	o := newTestOrchestrator(runner)

	w, err := o.Create(schemas.Workflow{
		Name: "fast", Objective: "o", Type: schemas.WorkflowContinuous,
		Schedule: schemas.ScheduleSpec{Interval: time.Millisecond},
	})
	require.NoError(t, err)

	// Also a paused one that must never run.
	paused, err := o.Create(schemas.Workflow{
		Name: "paused", Objective: "never", Type: schemas.WorkflowContinuous,
		Schedule: schemas.ScheduleSpec{Interval: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, o.Pause(paused.ID))

	time.Sleep(5 * time.Millisecond)
	o.dispatchDue(context.Background())
	o.wg.Wait()

	assert.Equal(t, 1, runner.callCount())
	got, err := o.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.NextRunDue)

	pausedGot, err := o.Get(paused.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pausedGot.RunCount)
}
