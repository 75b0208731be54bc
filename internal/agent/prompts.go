package agent

import (
	"fmt"
	"strings"

	"github.com/kestrelsec/kestrel/api/schemas"
)

const planningSystemPrompt = `You are the planning stage of an autonomous OSINT investigation agent.
Given an objective and a tool catalog, produce an investigation plan of 5 to 8 actions.
Respond with a JSON array only:
[{"tool": "<catalog name>", "parameters": {...}, "rationale": "<one sentence>"}]
Only use tools from the catalog, with their declared parameters. Order actions so early
results inform later ones.`

const decisionSystemPrompt = `You are the continuation judge of an autonomous OSINT investigation agent.
Given the objective and the most recent actions, decide whether the evidence collected so far
answers the objective. Respond with JSON only:
{"decision": "sufficient" | "insufficient" | "pivot", "reason": "<one sentence>"}
"sufficient": the objective is answered and analysis can start.
"insufficient": keep executing the current plan.
"pivot": the current line of inquiry is unproductive and the plan should be replaced.`

const adaptationSystemPrompt = `You are the strategy stage of an autonomous OSINT investigation agent.
The current plan is exhausted but the objective is not yet answered. Based on what the recent
actions uncovered, produce 2 or 3 follow-up actions that pursue the strongest open leads.
Respond with a JSON array only:
[{"tool": "<catalog name>", "parameters": {...}, "rationale": "<one sentence>"}]
If no productive action remains, respond with an empty array.`

const analysisSystemPrompt = `You are the analysis stage of an autonomous OSINT investigation agent.
Synthesize the investigation's evidence into findings. Respond with JSON only:
{"findings": [{"statement": "...", "confidence": 0.0, "sources": [<action seq numbers>]}],
 "gaps": [...], "contradictions": [...], "risk_indicators": [...], "recommendations": [...]}
Every statement must be supported by the evidence; confidence is between 0 and 1.
Name concrete gaps and contradictions rather than generic caveats.`

func renderCatalog(catalog []schemas.ToolSpec) string {
	var b strings.Builder
	for _, spec := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
		for _, p := range spec.Parameters {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "    %s (%s%s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return b.String()
}

func renderActions(actions []schemas.ActionRecord) string {
	var b strings.Builder
	for _, rec := range actions {
		payload := string(rec.Payload)
		if len(payload) > 2000 {
			payload = payload[:2000] + "... [truncated]"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", rec.Seq, rec.Kind, payload)
	}
	if b.Len() == 0 {
		return "(no actions yet)\n"
	}
	return b.String()
}

func renderPlanningPrompt(objective string, catalog []schemas.ToolSpec) string {
	return fmt.Sprintf("Objective: %s\n\nTool catalog:\n%s", objective, renderCatalog(catalog))
}

func renderDecisionPrompt(objective string, recent []schemas.ActionRecord, iteration, maxIterations int) string {
	return fmt.Sprintf("Objective: %s\nIteration %d of at most %d.\n\nRecent actions:\n%s",
		objective, iteration, maxIterations, renderActions(recent))
}

func renderAdaptationPrompt(objective string, catalog []schemas.ToolSpec, recent []schemas.ActionRecord) string {
	return fmt.Sprintf("Objective: %s\n\nTool catalog:\n%s\nRecent actions:\n%s",
		objective, renderCatalog(catalog), renderActions(recent))
}

func renderAnalysisPrompt(objective string, actions []schemas.ActionRecord, entities []schemas.ExtractedEntity) string {
	var ents strings.Builder
	for _, e := range entities {
		fmt.Fprintf(&ents, "- %s: %s (%.2f)\n", e.Type, e.Value, e.Confidence)
	}
	if ents.Len() == 0 {
		ents.WriteString("(none)\n")
	}
	return fmt.Sprintf("Objective: %s\n\nAction log:\n%s\nExtracted entities:\n%s",
		objective, renderActions(actions), ents.String())
}
