// Package workflow orchestrates multi-persona document analysis: an
// ordered persona sequence is applied to a document, with each step's
// output threaded into the next step's context.
package workflow

import (
	"time"

	"github.com/ensembleworks/ensemble/persona"
)

// Workflow is an ordered persona sequence.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PersonaIDs  []string  `json:"persona_ids"`
	CreatedBy   string    `json:"created_by"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is the input to a workflow run.
type Document struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// StepResult holds the outcome of one persona step. PersonaName and
// OutputFormat are snapshots so stored analyses survive persona deletion.
type StepResult struct {
	PersonaID        string                `json:"persona_id"`
	PersonaName      string                `json:"persona_name"`
	Strategy         persona.Strategy      `json:"strategy"`
	OutputFormat     persona.OutputFormat  `json:"output_format"`
	Step             int                   `json:"step"` // 1-based
	Content          string                `json:"content"`
	Structured       map[string]any        `json:"structured,omitempty"` // agent strategy
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	CostUSD          float64               `json:"cost_usd"`
	DurationMS       int64                 `json:"duration_ms"`
	Err              string                `json:"error,omitempty"`
}

// Metadata describes a workflow run.
type Metadata struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	UserID     string    `json:"user_id"`
	Errors     []string  `json:"errors,omitempty"`
}

// Analysis is a completed workflow run.
type Analysis struct {
	ID           string       `json:"id"`
	WorkflowID   string       `json:"workflow_id"`
	DocumentName string       `json:"document_name"`
	Steps        []StepResult `json:"steps"`
	Metadata     Metadata     `json:"metadata"`
	TotalTokens  int          `json:"total_tokens"`
	TotalCostUSD float64      `json:"total_cost_usd"`
	CreatedAt    time.Time    `json:"created_at"`
}

// BuiltinTemplates returns the predefined workflow persona sequences.
func BuiltinTemplates() map[string][]string {
	return map[string][]string{
		"full_analysis": {
			"risk_assessment",
			"claims_analysis",
			"compliance_review",
			"financial_analysis",
			"operational_excellence",
			"summary_only",
		},
		"quick_review": {
			"risk_assessment",
			"claims_analysis",
			"summary_only",
		},
		"compliance_focus": {
			"compliance_review",
			"risk_assessment",
			"summary_only",
		},
		"financial_focus": {
			"financial_analysis",
			"risk_assessment",
			"summary_only",
		},
	}
}

// builtinTemplateOrder fixes a stable listing order for the templates.
var builtinTemplateOrder = []string{
	"full_analysis", "quick_review", "compliance_focus", "financial_focus",
}

var builtinTemplateDescriptions = map[string]string{
	"full_analysis":    "Full analysis with every analyst persona in sequence",
	"quick_review":     "Fast risk and claims review with a closing summary",
	"compliance_focus": "Compliance-led review with supporting risk assessment",
	"financial_focus":  "Financial analysis with supporting risk assessment",
}
