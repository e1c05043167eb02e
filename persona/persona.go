// Package persona defines analyst personas: named prompt templates with
// sampling settings that the workflow engine applies in sequence to a
// document.
package persona

import (
	"strings"
	"time"

	"github.com/ensembleworks/ensemble/errors"
)

// Strategy determines how a persona's template is executed.
type Strategy string

const (
	// StrategyPrompt interpolates the template and sends it as a plain
	// analysis prompt.
	StrategyPrompt Strategy = "prompt"
	// StrategyAgent requests structured JSON output and parses the
	// response, falling back to raw text when parsing fails.
	StrategyAgent Strategy = "agent"
)

// OutputFormat describes the expected shape of a persona's response.
type OutputFormat string

const (
	FormatStructuredAnalysis OutputFormat = "structured_analysis"
	FormatExecutiveSummary   OutputFormat = "executive_summary"
	FormatBulletPoints       OutputFormat = "bullet_points"
	FormatJSON               OutputFormat = "json"
)

// ParseStrategy converts a string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "prompt", "":
		return StrategyPrompt, nil
	case "agent":
		return StrategyAgent, nil
	default:
		return "", errors.Newf("unknown strategy: %s (valid: prompt, agent)", s)
	}
}

// ParseOutputFormat converts a string to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "structured_analysis", "":
		return FormatStructuredAnalysis, nil
	case "executive_summary":
		return FormatExecutiveSummary, nil
	case "bullet_points":
		return FormatBulletPoints, nil
	case "json", "json_format":
		return FormatJSON, nil
	default:
		return "", errors.Newf("unknown output format: %s", s)
	}
}

// Persona is a named analyst role with a prompt template.
type Persona struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	Description    string       `json:"description" yaml:"description"`
	Strategy       Strategy     `json:"strategy" yaml:"strategy"`
	PromptTemplate string       `json:"prompt_template" yaml:"prompt_template"`
	AnalysisFocus  []string     `json:"analysis_focus" yaml:"analysis_focus"`
	OutputFormat   OutputFormat `json:"output_format" yaml:"output_format"`
	Temperature    *float64     `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      *int         `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	RequiredInputs []string     `json:"required_inputs" yaml:"required_inputs"`
	Builtin        bool         `json:"builtin" yaml:"-"`
	CreatedBy      string       `json:"created_by,omitempty" yaml:"-"`
	CreatedAt      time.Time    `json:"created_at" yaml:"-"`
}

// Render interpolates the {input} and {context} placeholders.
func (p *Persona) Render(input, context string) string {
	out := strings.ReplaceAll(p.PromptTemplate, "{input}", input)
	out = strings.ReplaceAll(out, "{context}", context)
	return out
}

// Validate checks the persona definition. Every placeholder named in
// RequiredInputs must appear in the template.
func (p *Persona) Validate() error {
	if p.ID == "" {
		return errors.NewInvalidRequestError("persona id is required")
	}
	if p.Name == "" {
		return errors.NewInvalidRequestError("persona name is required")
	}
	if p.PromptTemplate == "" {
		return errors.NewInvalidRequestError("persona prompt template is required")
	}

	if _, err := ParseStrategy(string(p.Strategy)); err != nil {
		return errors.WithMessage(errors.ErrInvalidRequest, err.Error())
	}
	if _, err := ParseOutputFormat(string(p.OutputFormat)); err != nil {
		return errors.WithMessage(errors.ErrInvalidRequest, err.Error())
	}

	for _, required := range p.requiredInputs() {
		placeholder := "{" + required + "}"
		if !strings.Contains(p.PromptTemplate, placeholder) {
			return errors.NewInvalidRequestError(
				"persona %s: template missing required placeholder %s", p.ID, placeholder)
		}
	}

	return nil
}

func (p *Persona) requiredInputs() []string {
	if p.RequiredInputs != nil {
		return p.RequiredInputs
	}
	return []string{"input", "context"}
}

// Normalize fills defaults for zero-valued fields.
func (p *Persona) Normalize() {
	if p.Strategy == "" {
		p.Strategy = StrategyPrompt
	}
	if p.OutputFormat == "" {
		p.OutputFormat = FormatStructuredAnalysis
	}
	if p.RequiredInputs == nil {
		p.RequiredInputs = []string{"input", "context"}
	}
	if p.AnalysisFocus == nil {
		p.AnalysisFocus = []string{}
	}
}
