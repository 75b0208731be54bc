package schemas

import (
	"time"
)

// WorkflowType selects the supervision strategy for a workflow's runs.
type WorkflowType string

const (
	WorkflowOneTime    WorkflowType = "one_time"
	WorkflowScheduled  WorkflowType = "scheduled"
	WorkflowContinuous WorkflowType = "continuous"
	WorkflowCampaign   WorkflowType = "campaign"
)

// WorkflowState tracks the lifecycle of a workflow. Workflows are destroyed only
// by explicit removal, never implicitly.
type WorkflowState string

const (
	WorkflowActive    WorkflowState = "active"
	WorkflowPaused    WorkflowState = "paused"
	WorkflowCompleted WorkflowState = "completed"
)

// ScheduleSpec describes when a scheduled or continuous workflow runs. Exactly
// one of Interval or TimeOfDay must be set; TimeOfDay is a daily "15:04" wall
// clock time. A malformed spec is rejected at workflow creation.
type ScheduleSpec struct {
	Interval  time.Duration `json:"interval,omitempty" yaml:"interval" mapstructure:"interval"`
	TimeOfDay string        `json:"time_of_day,omitempty" yaml:"time_of_day" mapstructure:"time_of_day"`
}

// AlertConditionType enumerates the post-run checks a workflow can configure.
type AlertConditionType string

const (
	ConditionFindingCount   AlertConditionType = "finding_count"
	ConditionHighConfidence AlertConditionType = "high_confidence_finding"
	ConditionKeywordMatch   AlertConditionType = "keyword_match"
	ConditionRiskIndicator  AlertConditionType = "risk_indicator"
	ConditionChangeDetected AlertConditionType = "change_detected"
)

// AlertSeverity grades a triggered alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertCondition is one configured post-run check. Threshold applies to
// finding_count; MinConfidence to high_confidence_finding; Keywords to
// keyword_match.
type AlertCondition struct {
	Type          AlertConditionType `json:"type" yaml:"type"`
	Severity      AlertSeverity      `json:"severity" yaml:"severity"`
	Threshold     int                `json:"threshold,omitempty" yaml:"threshold"`
	MinConfidence float64            `json:"min_confidence,omitempty" yaml:"min_confidence"`
	Keywords      []string           `json:"keywords,omitempty" yaml:"keywords"`
}

// AlertStatus tracks an alert's lifecycle. The orchestrator only ever creates
// active alerts; acknowledgement and resolution are collaborator actions.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert records a matched alert condition against one investigation.
type Alert struct {
	ID              string             `json:"id"`
	WorkflowID      string             `json:"workflow_id"`
	Condition       AlertConditionType `json:"condition"`
	Severity        AlertSeverity      `json:"severity"`
	InvestigationID string             `json:"investigation_id"`
	Status          AlertStatus        `json:"status"`
	Detail          map[string]any     `json:"detail,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Workflow is a supervised, possibly recurring schedule of agent runs.
type Workflow struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Type WorkflowType `json:"type"`
	// Objective is the investigation objective; for campaigns it is a template
	// containing a {target} placeholder.
	Objective  string           `json:"objective"`
	Targets    []string         `json:"targets,omitempty"`
	Parallel   bool             `json:"parallel,omitempty"`
	Schedule   ScheduleSpec     `json:"schedule,omitempty"`
	Conditions []AlertCondition `json:"conditions,omitempty"`
	State      WorkflowState    `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	LastRunID  string           `json:"last_run_id,omitempty"`
	NextRunDue *time.Time       `json:"next_run_due,omitempty"`
	RunCount   int              `json:"run_count"`
}

// TargetResult is one campaign slot: either a report or the error that replaced it.
type TargetResult struct {
	Target string  `json:"target"`
	Report *Report `json:"report,omitempty"`
	Err    string  `json:"error,omitempty"`
}

// CampaignResult aggregates per-target outcomes of a campaign run.
type CampaignResult struct {
	WorkflowID string         `json:"workflow_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []TargetResult `json:"results"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	Total      int            `json:"total"`
}
