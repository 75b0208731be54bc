package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
)

// ErrAlertNotFound reports an operation on an alert ID that does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// evaluateAlerts checks every configured condition against a completed run and
// appends an alert per match. newEntities is the change-detection diff for
// this run.
func (o *Orchestrator) evaluateAlerts(w schemas.Workflow, report *schemas.Report, newEntities []string) {
	for _, cond := range w.Conditions {
		detail, matched := matchCondition(cond, report, newEntities)
		if !matched {
			continue
		}
		alert := schemas.Alert{
			ID:              uuid.NewString(),
			WorkflowID:      w.ID,
			Condition:       cond.Type,
			Severity:        cond.Severity,
			InvestigationID: report.Investigation.ID,
			Status:          schemas.AlertActive,
			Detail:          detail,
			Timestamp:       time.Now().UTC(),
		}

		o.mu.Lock()
		o.alerts = append(o.alerts, alert)
		o.mu.Unlock()

		o.logger.Info("Alert raised",
			zap.String("workflow_id", w.ID),
			zap.String("condition", string(cond.Type)),
			zap.String("severity", string(cond.Severity)),
			zap.String("investigation_id", report.Investigation.ID))
	}
}

func matchCondition(cond schemas.AlertCondition, report *schemas.Report, newEntities []string) (map[string]any, bool) {
	switch cond.Type {
	case schemas.ConditionFindingCount:
		if count := len(report.Analysis.Findings); count >= cond.Threshold && cond.Threshold > 0 {
			return map[string]any{"finding_count": count, "threshold": cond.Threshold}, true
		}

	case schemas.ConditionHighConfidence:
		for _, f := range report.Analysis.Findings {
			if f.Confidence >= cond.MinConfidence && cond.MinConfidence > 0 {
				return map[string]any{"statement": f.Statement, "confidence": f.Confidence}, true
			}
		}

	case schemas.ConditionKeywordMatch:
		for _, f := range report.Analysis.Findings {
			statement := strings.ToLower(f.Statement)
			for _, kw := range cond.Keywords {
				if kw != "" && strings.Contains(statement, strings.ToLower(kw)) {
					return map[string]any{"keyword": kw, "statement": f.Statement}, true
				}
			}
		}

	case schemas.ConditionRiskIndicator:
		if len(report.Analysis.RiskIndicators) > 0 {
			return map[string]any{"risk_indicators": report.Analysis.RiskIndicators}, true
		}

	case schemas.ConditionChangeDetected:
		if len(newEntities) > 0 {
			return map[string]any{"new_entities": newEntities}, true
		}
	}
	return nil, false
}

// Alerts returns alerts in raise order, optionally filtered by workflow ID.
func (o *Orchestrator) Alerts(workflowID string) []schemas.Alert {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]schemas.Alert, 0, len(o.alerts))
	for _, a := range o.alerts {
		if workflowID == "" || a.WorkflowID == workflowID {
			out = append(out, a)
		}
	}
	return out
}

// Acknowledge marks an active alert as seen.
func (o *Orchestrator) Acknowledge(alertID string) error {
	return o.setAlertStatus(alertID, schemas.AlertAcknowledged)
}

// Resolve closes an alert.
func (o *Orchestrator) Resolve(alertID string) error {
	return o.setAlertStatus(alertID, schemas.AlertResolved)
}

func (o *Orchestrator) setAlertStatus(alertID string, status schemas.AlertStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.alerts {
		if o.alerts[i].ID == alertID {
			o.alerts[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
}
