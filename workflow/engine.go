package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ensembleworks/ensemble/ai/openrouter"
	"github.com/ensembleworks/ensemble/ai/provider"
	"github.com/ensembleworks/ensemble/budget"
	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/persona"
)

// System prompts per execution strategy.
const (
	promptAnalystSystem = "You are an expert document analyst. Provide detailed, structured analysis."
	agentSystemFormat   = "You are a %s. Respond with valid JSON only."
)

// Event types emitted during execution.
const (
	EventStepStarted       = "step_started"
	EventStepCompleted     = "step_completed"
	EventWorkflowCompleted = "workflow_completed"
)

// Event reports execution progress. Consumed by the WebSocket hub and
// the CLI progress display.
type Event struct {
	Type        string `json:"type"`
	AnalysisID  string `json:"analysis_id"`
	WorkflowID  string `json:"workflow_id"`
	Step        int    `json:"step"`
	TotalSteps  int    `json:"total_steps"`
	PersonaID   string `json:"persona_id,omitempty"`
	PersonaName string `json:"persona_name,omitempty"`
	Err         string `json:"error,omitempty"`
}

// ClientFactory creates an AI client with per-step tracking context.
type ClientFactory func(operationType, entityType, entityID string) provider.AIClient

// NewClientFactory builds the default client factory from configuration.
func NewClientFactory(cfg *config.Config, db *sql.DB, verbosity int) ClientFactory {
	return func(operationType, entityType, entityID string) provider.AIClient {
		return provider.NewAIClient(cfg, db, verbosity, operationType, entityType, entityID)
	}
}

// EngineConfig configures a workflow engine.
type EngineConfig struct {
	Registry *persona.Registry
	Store    *Store
	Budget   *budget.Tracker
	Clients  ClientFactory

	MaxContextBytes   int // 0 = unlimited
	RequestsPerMinute int // 0 = unpaced

	Logger  *zap.SugaredLogger
	OnEvent func(Event) // nil = no progress events
}

// Engine executes workflows.
type Engine struct {
	registry *persona.Registry
	store    *Store
	budget   *budget.Tracker
	clients  ClientFactory

	maxContextBytes int
	limiter         *rate.Limiter

	logger  *zap.SugaredLogger
	onEvent func(Event)
}

// NewEngine creates a workflow engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}

	return &Engine{
		registry:        cfg.Registry,
		store:           cfg.Store,
		budget:          cfg.Budget,
		clients:         cfg.Clients,
		maxContextBytes: cfg.MaxContextBytes,
		limiter:         rate.NewLimiter(limit, 1),
		logger:          logger,
		onEvent:         cfg.OnEvent,
	}
}

// Validate checks that a persona sequence is executable.
func (e *Engine) Validate(personaIDs []string) error {
	if len(personaIDs) == 0 {
		return errors.NewInvalidRequestError("workflow requires at least one persona")
	}

	var unknown []string
	for _, id := range personaIDs {
		if _, err := e.registry.Get(id); err != nil {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return errors.NewInvalidRequestError("unknown personas: %s", strings.Join(unknown, ", "))
	}

	return nil
}

// Execute runs a workflow against a document. Each persona step renders
// its template with the document as {input} and the accumulated context
// as {context}; the response is appended to the context for the next
// step. Step failures are recorded and execution continues.
func (e *Engine) Execute(ctx context.Context, w *Workflow, doc Document, userID string) (*Analysis, error) {
	if err := e.Validate(w.PersonaIDs); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, errors.NewInvalidRequestError("document content is empty")
	}

	if e.budget != nil {
		estimate := e.budget.EstimateWorkflowCost(len(w.PersonaIDs))
		if err := e.budget.CheckBudget(estimate); err != nil {
			return nil, err
		}
	}

	analysis := &Analysis{
		ID:           uuid.NewString(),
		WorkflowID:   w.ID,
		DocumentName: doc.Filename,
		Steps:        make([]StepResult, 0, len(w.PersonaIDs)),
		Metadata: Metadata{
			StartedAt: time.Now().UTC(),
			UserID:    userID,
		},
		CreatedAt: time.Now().UTC(),
	}

	accumulated := ""
	totalSteps := len(w.PersonaIDs)

	for i, personaID := range w.PersonaIDs {
		p, err := e.registry.Get(personaID)
		if err != nil {
			// Validated above; a concurrent delete can still race here.
			e.recordFailure(analysis, personaID, personaID, i+1, totalSteps, err)
			continue
		}

		e.emit(Event{
			Type: EventStepStarted, AnalysisID: analysis.ID, WorkflowID: w.ID,
			Step: i + 1, TotalSteps: totalSteps, PersonaID: p.ID, PersonaName: p.Name,
		})

		step, err := e.executeStep(ctx, analysis.ID, p, i+1, doc.Content, accumulated)
		if err != nil {
			e.recordFailure(analysis, p.ID, p.Name, i+1, totalSteps, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		analysis.Steps = append(analysis.Steps, *step)
		analysis.TotalTokens += step.PromptTokens + step.CompletionTokens
		analysis.TotalCostUSD += step.CostUSD

		accumulated += fmt.Sprintf("\n%s Analysis:\n%s\n", p.Name, step.Content)
		accumulated = e.capContext(accumulated)

		e.emit(Event{
			Type: EventStepCompleted, AnalysisID: analysis.ID, WorkflowID: w.ID,
			Step: i + 1, TotalSteps: totalSteps, PersonaID: p.ID, PersonaName: p.Name,
		})
	}

	analysis.Metadata.FinishedAt = time.Now().UTC()

	if e.store != nil {
		if err := e.store.SaveAnalysis(analysis); err != nil {
			return nil, errors.Wrap(err, "failed to persist analysis")
		}
	}

	e.emit(Event{
		Type: EventWorkflowCompleted, AnalysisID: analysis.ID, WorkflowID: w.ID,
		Step: totalSteps, TotalSteps: totalSteps,
	})

	e.logger.Infow("Workflow completed",
		"analysis_id", analysis.ID,
		"workflow_id", w.ID,
		"steps", len(analysis.Steps),
		"errors", len(analysis.Metadata.Errors),
		"total_tokens", analysis.TotalTokens,
		"total_cost_usd", analysis.TotalCostUSD,
	)

	return analysis, nil
}

func (e *Engine) executeStep(ctx context.Context, analysisID string, p *persona.Persona, stepNum int, input, accumulated string) (*StepResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait interrupted")
	}

	rendered := p.Render(input, accumulated)

	req := openrouter.ChatRequest{
		UserPrompt:  rendered,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}
	switch p.Strategy {
	case persona.StrategyAgent:
		req.SystemPrompt = fmt.Sprintf(agentSystemFormat, p.Name)
	default:
		req.SystemPrompt = promptAnalystSystem
	}

	client := e.clients("workflow-step", "persona", p.ID)

	started := time.Now()
	resp, err := client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	step := &StepResult{
		PersonaID:        p.ID,
		PersonaName:      p.Name,
		Strategy:         p.Strategy,
		OutputFormat:     p.OutputFormat,
		Step:             stepNum,
		Content:          resp.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		// Cost comes back from the client that served the call, so the
		// analysis agrees with the usage ledger (zero for local inference).
		CostUSD:    resp.CostUSD,
		DurationMS: time.Since(started).Milliseconds(),
	}

	if p.Strategy == persona.StrategyAgent {
		step.Structured = parseStructured(resp.Content)
	}

	return step, nil
}

// parseStructured parses an agent response as JSON, falling back to a
// raw_analysis wrapper when the model did not return valid JSON.
func parseStructured(content string) map[string]any {
	var structured map[string]any
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return map[string]any{"raw_analysis": content}
	}
	return structured
}

func (e *Engine) recordFailure(analysis *Analysis, personaID, personaName string, stepNum, totalSteps int, err error) {
	msg := fmt.Sprintf("Error in %s: %s", personaName, err.Error())
	analysis.Metadata.Errors = append(analysis.Metadata.Errors, msg)
	analysis.Steps = append(analysis.Steps, StepResult{
		PersonaID:   personaID,
		PersonaName: personaName,
		Step:        stepNum,
		Err:         err.Error(),
	})

	e.logger.Warnw("Workflow step failed",
		"analysis_id", analysis.ID, "persona_id", personaID, "step", stepNum, "error", err)

	e.emit(Event{
		Type: EventStepCompleted, AnalysisID: analysis.ID, WorkflowID: analysis.WorkflowID,
		Step: stepNum, TotalSteps: totalSteps, PersonaID: personaID, PersonaName: personaName,
		Err: err.Error(),
	})
}

// capContext trims accumulated context to the configured byte budget,
// dropping the oldest content. The cut is moved forward to the next
// newline so a step boundary is not split mid-line.
func (e *Engine) capContext(accumulated string) string {
	if e.maxContextBytes <= 0 || len(accumulated) <= e.maxContextBytes {
		return accumulated
	}

	cut := len(accumulated) - e.maxContextBytes
	if idx := strings.IndexByte(accumulated[cut:], '\n'); idx >= 0 {
		cut += idx + 1
	}
	return accumulated[cut:]
}

func (e *Engine) emit(event Event) {
	if e.onEvent != nil {
		e.onEvent(event)
	}
}
