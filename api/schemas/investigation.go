package schemas

import (
	"encoding/json"
	"time"
)

// InvestigationStatus tracks the lifecycle of an investigation. The values are
// lowercase to match the corresponding column values in the memory store.
type InvestigationStatus string

const (
	InvestigationPending   InvestigationStatus = "pending"
	InvestigationRunning   InvestigationStatus = "running"
	InvestigationCompleted InvestigationStatus = "completed"
	InvestigationFailed    InvestigationStatus = "failed"
)

// Investigation is the authoritative per-run record. It is created when a run
// starts and mutated only by the agent that owns the run; once it reaches a
// terminal status only alert references may be attached.
type Investigation struct {
	ID            string              `json:"id"`
	Objective     string              `json:"objective"`
	Status        InvestigationStatus `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Confidence    *float64            `json:"confidence,omitempty"`
	FindingsCount int                 `json:"findings_count"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

// ActionKind categorizes one entry in an investigation's append-only action log.
type ActionKind string

const (
	ActionPlanCreated       ActionKind = "plan_created"
	ActionToolExecuted      ActionKind = "tool_executed"
	ActionToolError         ActionKind = "tool_error"
	ActionDecision          ActionKind = "decision"
	ActionAnalysisCompleted ActionKind = "analysis_completed"
	ActionReportGenerated   ActionKind = "report_generated"
)

// ActionRecord is one logged step in an investigation's history. Records are
// ordered, append-only, and never mutated; together they form the full audit
// trail and the context window the agent re-reads between decisions.
type ActionRecord struct {
	InvestigationID string          `json:"investigation_id"`
	Seq             int64           `json:"seq"`
	Timestamp       time.Time       `json:"timestamp"`
	Kind            ActionKind      `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Finding is one analytic statement produced during the analysis step,
// immutable afterward.
type Finding struct {
	InvestigationID string  `json:"investigation_id"`
	Statement       string  `json:"statement"`
	Confidence      float64 `json:"confidence"`
	// Sources references the action log entries (by sequence) supporting the statement.
	Sources []int64 `json:"sources,omitempty"`
}

// PlannedAction is one step of an investigation plan: a tool reference, its
// parameters, and the reasoning behind it. Plans are advisory; they seed the
// action queue but the loop may diverge from them.
type PlannedAction struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Analysis is the synthesis of an investigation's evidence.
type Analysis struct {
	Findings []Finding `json:"findings"`
	// OverallConfidence is the mean of finding confidences, 0 when there are none.
	OverallConfidence float64  `json:"overall_confidence"`
	Gaps              []string `json:"gaps,omitempty"`
	Contradictions    []string `json:"contradictions,omitempty"`
	RiskIndicators    []string `json:"risk_indicators,omitempty"`
	Recommendations   []string `json:"recommendations,omitempty"`
	// Degraded is set when the completion service was unusable and the analysis
	// was built from raw action records only.
	Degraded bool `json:"degraded,omitempty"`
}

// ReportMetadata carries run statistics for the final report.
type ReportMetadata struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Iterations int           `json:"iterations"`
	ToolsUsed  int           `json:"tools_used"`
}

// Report is the structured record handed to report-rendering and dashboard
// collaborators. Prose formatting is out of scope here.
type Report struct {
	Investigation Investigation     `json:"investigation"`
	Plan          []PlannedAction   `json:"plan"`
	Actions       []ActionRecord    `json:"actions"`
	Analysis      Analysis          `json:"analysis"`
	Entities      []ExtractedEntity `json:"entities,omitempty"`
	Edges         []Edge            `json:"edges,omitempty"`
	Metadata      ReportMetadata    `json:"metadata"`
}
