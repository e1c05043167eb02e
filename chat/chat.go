package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensembleworks/ensemble/ai/openrouter"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/persona"
	"github.com/ensembleworks/ensemble/workflow"
)

// DefaultTemperature is used for conversational responses. Higher than
// the analysis default so follow-up chat reads naturally.
const DefaultTemperature = 0.7

const assistantSystemFormat = `You are an AI assistant helping a user understand and explore their document analysis results.

The user has run a document analysis workflow with the following results:

%s

Your role is to:
1. Help the user understand the analysis results
2. Answer questions about specific findings
3. Provide additional insights based on the analysis
4. Help interpret complex findings
5. Suggest follow-up actions or additional analysis

Be conversational, helpful, and provide detailed explanations when needed. If the user asks about something not covered in the analysis, let them know and suggest how they might get that information.

Previous conversation context:
%s`

// Manager answers questions about completed analyses and produces
// structured summaries and comparisons.
type Manager struct {
	store       *Store
	analyses    *workflow.Store
	registry    *persona.Registry
	clients     workflow.ClientFactory
	temperature float64
	model       string
	logger      *zap.SugaredLogger
}

// ManagerConfig configures a chat manager.
type ManagerConfig struct {
	Store    *Store
	Analyses *workflow.Store
	Registry *persona.Registry
	Clients  workflow.ClientFactory

	// Temperature for conversational replies. Zero means DefaultTemperature.
	Temperature float64
	// Model overrides the provider default when non-empty.
	Model  string
	Logger *zap.SugaredLogger
}

// NewManager creates a chat manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Manager{
		store:       cfg.Store,
		analyses:    cfg.Analyses,
		registry:    cfg.Registry,
		clients:     cfg.Clients,
		temperature: cfg.Temperature,
		model:       cfg.Model,
		logger:      cfg.Logger,
	}
}

// SendMessage answers a user question about an analysis and records the
// exchange. The full analysis context plus prior conversation rides in
// the system prompt.
func (m *Manager) SendMessage(ctx context.Context, analysisID, userMessage string) (*Message, error) {
	if strings.TrimSpace(userMessage) == "" {
		return nil, errors.NewInvalidRequestError("message is required")
	}

	analysis, err := m.analyses.GetAnalysis(analysisID)
	if err != nil {
		return nil, err
	}

	history, err := m.store.History(analysisID)
	if err != nil {
		return nil, err
	}

	contextPrompt, err := m.buildContextPrompt(analysis)
	if err != nil {
		return nil, err
	}

	system := fmt.Sprintf(assistantSystemFormat, contextPrompt, formatHistory(history))

	req := openrouter.ChatRequest{
		SystemPrompt: system,
		UserPrompt:   userMessage,
		Temperature:  &m.temperature,
	}
	if m.model != "" {
		req.Model = &m.model
	}

	client := m.clients("chat-message", "analysis", analysisID)
	resp, err := client.Chat(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "chat request failed")
	}

	msg := &Message{
		ID:                uuid.New().String(),
		AnalysisID:        analysisID,
		UserMessage:       userMessage,
		AssistantResponse: resp.Content,
		CreatedAt:         time.Now().UTC(),
	}
	if err := m.store.Save(msg); err != nil {
		return nil, err
	}

	m.logger.Debugw("Chat exchange recorded",
		"analysis_id", analysisID,
		"history_len", len(history),
		"tokens", resp.Usage.TotalTokens)
	return msg, nil
}

// History returns the conversation for an analysis.
func (m *Manager) History(analysisID string) ([]*Message, error) {
	if _, err := m.analyses.GetAnalysis(analysisID); err != nil {
		return nil, err
	}
	return m.store.History(analysisID)
}

// ClearHistory removes the conversation for an analysis.
func (m *Manager) ClearHistory(analysisID string) error {
	if _, err := m.analyses.GetAnalysis(analysisID); err != nil {
		return err
	}
	return m.store.Clear(analysisID)
}

// AnalysisSummary is the structured summary produced from an analysis.
type AnalysisSummary struct {
	ExecutiveSummary string   `json:"executive_summary"`
	KeyInsights      []string `json:"key_insights"`
	CriticalFindings []string `json:"critical_findings"`
	Recommendations  []string `json:"recommendations"`
	RiskLevel        string   `json:"risk_level"`
	NextSteps        []string `json:"next_steps"`
}

// SummaryResult wraps a summary with the analysis it describes.
type SummaryResult struct {
	AnalysisID   string          `json:"analysis_id"`
	DocumentName string          `json:"document_name"`
	WorkflowID   string          `json:"workflow_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Summary      AnalysisSummary `json:"summary"`
}

// Summary generates a structured summary of an analysis. A response
// that does not parse as JSON degrades to a generic summary rather
// than failing the request.
func (m *Manager) Summary(ctx context.Context, analysisID string) (*SummaryResult, error) {
	analysis, err := m.analyses.GetAnalysis(analysisID)
	if err != nil {
		return nil, err
	}

	contextPrompt, err := m.buildContextPrompt(analysis)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`Based on the following analysis results, provide a concise summary with key insights:

%s

Provide the summary in JSON format with the following structure:
{
    "executive_summary": "Brief overview of key findings",
    "key_insights": ["insight 1", "insight 2", "insight 3"],
    "critical_findings": ["finding 1", "finding 2"],
    "recommendations": ["recommendation 1", "recommendation 2"],
    "risk_level": "low/medium/high",
    "next_steps": ["step 1", "step 2"]
}`, contextPrompt)

	client := m.clients("chat-summary", "analysis", analysisID)
	resp, err := client.Chat(ctx, openrouter.ChatRequest{
		SystemPrompt: "You are an expert analyst. Provide a structured summary in JSON format.",
		UserPrompt:   prompt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "summary request failed")
	}

	var summary AnalysisSummary
	if err := json.Unmarshal([]byte(resp.Content), &summary); err != nil {
		m.logger.Warnw("Summary response was not valid JSON, using fallback",
			"analysis_id", analysisID, "error", err)
		summary = fallbackSummary()
	}

	return &SummaryResult{
		AnalysisID:   analysis.ID,
		DocumentName: analysis.DocumentName,
		WorkflowID:   analysis.WorkflowID,
		CreatedAt:    analysis.CreatedAt,
		Summary:      summary,
	}, nil
}

func fallbackSummary() AnalysisSummary {
	return AnalysisSummary{
		ExecutiveSummary: "Analysis completed successfully",
		KeyInsights:      []string{"Analysis results available for review"},
		CriticalFindings: []string{},
		Recommendations:  []string{"Review the detailed analysis results"},
		RiskLevel:        "unknown",
		NextSteps:        []string{"Engage with the analysis through chat"},
	}
}

// Comparison is the structured result of comparing analyses.
type Comparison struct {
	Overview        string   `json:"overview"`
	Similarities    []string `json:"similarities"`
	Differences     []string `json:"differences"`
	Trends          []string `json:"trends"`
	Insights        []string `json:"insights"`
	Recommendations []string `json:"recommendations"`
}

// ComparisonResult wraps a comparison with the analyses it covers.
type ComparisonResult struct {
	AnalysisIDs []string   `json:"analysis_ids"`
	Comparison  Comparison `json:"comparison"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Compare generates a structured comparison across two or more analyses.
func (m *Manager) Compare(ctx context.Context, analysisIDs []string) (*ComparisonResult, error) {
	if len(analysisIDs) < 2 {
		return nil, errors.NewInvalidRequestError("At least 2 analysis IDs required for comparison")
	}

	var b strings.Builder
	b.WriteString("Comparing the following analyses:\n\n")
	for i, id := range analysisIDs {
		analysis, err := m.analyses.GetAnalysis(id)
		if err != nil {
			return nil, err
		}

		workflowName := "Unknown"
		if w, err := m.analyses.GetWorkflow(analysis.WorkflowID); err == nil {
			workflowName = w.Name
		}

		results, err := json.MarshalIndent(stepResults(analysis), "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal analysis results")
		}

		fmt.Fprintf(&b, "Analysis %d:\nDocument: %s\nWorkflow: %s\nResults: %s\n\n",
			i+1, analysis.DocumentName, workflowName, results)
	}

	prompt := fmt.Sprintf(`Compare the following analyses and provide insights:

%s

Provide the comparison in JSON format with the following structure:
{
    "overview": "Brief comparison overview",
    "similarities": ["similarity 1", "similarity 2"],
    "differences": ["difference 1", "difference 2"],
    "trends": ["trend 1", "trend 2"],
    "insights": ["insight 1", "insight 2"],
    "recommendations": ["recommendation 1", "recommendation 2"]
}`, b.String())

	client := m.clients("chat-comparison", "analysis", strings.Join(analysisIDs, ","))
	resp, err := client.Chat(ctx, openrouter.ChatRequest{
		SystemPrompt: "You are an expert analyst. Provide a structured comparison in JSON format.",
		UserPrompt:   prompt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "comparison request failed")
	}

	var comparison Comparison
	if err := json.Unmarshal([]byte(resp.Content), &comparison); err != nil {
		m.logger.Warnw("Comparison response was not valid JSON, using fallback",
			"analysis_ids", analysisIDs, "error", err)
		comparison = fallbackComparison()
	}

	return &ComparisonResult{
		AnalysisIDs: analysisIDs,
		Comparison:  comparison,
		Timestamp:   time.Now().UTC(),
	}, nil
}

func fallbackComparison() Comparison {
	return Comparison{
		Overview:        "Multiple analyses compared",
		Similarities:    []string{"All analyses completed successfully"},
		Differences:     []string{"Different documents and workflows analyzed"},
		Trends:          []string{"No clear trends identified"},
		Insights:        []string{"Each analysis provides unique insights"},
		Recommendations: []string{"Review each analysis individually"},
	}
}

// buildContextPrompt renders the analysis into the text block the
// assistant is grounded on: workflow identity, persona roster, then
// each step's output.
func (m *Manager) buildContextPrompt(analysis *workflow.Analysis) (string, error) {
	var b strings.Builder

	w, err := m.analyses.GetWorkflow(analysis.WorkflowID)
	if err == nil {
		fmt.Fprintf(&b, "Workflow: %s\n", w.Name)
		fmt.Fprintf(&b, "Description: %s\n", w.Description)
	} else {
		fmt.Fprintf(&b, "Workflow: %s\n", analysis.WorkflowID)
	}

	b.WriteString("Personas used:\n")
	for _, step := range analysis.Steps {
		description := ""
		if p, err := m.registry.Get(step.PersonaID); err == nil {
			description = p.Description
		}
		fmt.Fprintf(&b, "- %s: %s\n", step.PersonaName, description)
	}

	b.WriteString("\nAnalysis Results:\n")
	for _, step := range analysis.Steps {
		content := step.Content
		if len(step.Structured) > 0 {
			data, err := json.MarshalIndent(step.Structured, "", "  ")
			if err != nil {
				return "", errors.Wrap(err, "failed to marshal structured result")
			}
			content = string(data)
		}
		fmt.Fprintf(&b, "\n%s Analysis:\n%s\n", step.PersonaName, content)
	}

	return b.String(), nil
}

// stepResults collapses an analysis into a persona-name-to-output map
// for comparison prompts.
func stepResults(analysis *workflow.Analysis) map[string]any {
	results := make(map[string]any, len(analysis.Steps))
	for _, step := range analysis.Steps {
		if len(step.Structured) > 0 {
			results[step.PersonaName] = step.Structured
			continue
		}
		results[step.PersonaName] = step.Content
	}
	return results
}

func formatHistory(history []*Message) string {
	if len(history) == 0 {
		return "This is the start of the conversation."
	}
	var b strings.Builder
	for i, msg := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Human: %s\nAI: %s", msg.UserMessage, msg.AssistantResponse)
	}
	return b.String()
}
