package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/ai/openrouter"
	"github.com/ensembleworks/ensemble/ai/provider"
	"github.com/ensembleworks/ensemble/budget"
	"github.com/ensembleworks/ensemble/db"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/persona"
)

type fakeClient struct {
	reply    func(req openrouter.ChatRequest) (string, error)
	costUSD  float64
	requests []openrouter.ChatRequest
}

func (f *fakeClient) Chat(_ context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	f.requests = append(f.requests, req)
	content, err := f.reply(req)
	if err != nil {
		return nil, err
	}
	return &openrouter.ChatResponse{
		Content: content,
		Model:   "test-model",
		CostUSD: f.costUSD,
		Usage:   openrouter.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

type testEnv struct {
	registry *persona.Registry
	store    *Store
	client   *fakeClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	registry, err := persona.NewRegistry(database, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	return &testEnv{
		registry: registry,
		store:    NewStore(database, nil),
		client: &fakeClient{
			reply: func(req openrouter.ChatRequest) (string, error) {
				return "analysis output", nil
			},
			costUSD: 0.25,
		},
	}
}

func (env *testEnv) engine(cfg EngineConfig) *Engine {
	cfg.Registry = env.registry
	cfg.Store = env.store
	if cfg.Clients == nil {
		cfg.Clients = func(op, entityType, entityID string) provider.AIClient {
			return env.client
		}
	}
	return NewEngine(cfg)
}

func quickReview() *Workflow {
	return &Workflow{
		ID:         "quick_review",
		Name:       "quick_review",
		PersonaIDs: BuiltinTemplates()["quick_review"],
	}
}

func TestExecuteThreadsContext(t *testing.T) {
	env := newTestEnv(t)
	engine := env.engine(EngineConfig{})

	doc := Document{Content: "claim report text", Filename: "claim.txt"}
	analysis, err := engine.Execute(context.Background(), quickReview(), doc, "alice")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(analysis.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(analysis.Steps))
	}
	if len(env.client.requests) != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", len(env.client.requests))
	}

	// First step sees the document and an empty context
	first := env.client.requests[0].UserPrompt
	if !strings.Contains(first, "claim report text") {
		t.Error("first prompt missing document content")
	}

	// Second step sees the first persona's output in its context
	second := env.client.requests[1].UserPrompt
	if !strings.Contains(second, "Risk Assessment Specialist Analysis:") {
		t.Error("second prompt missing accumulated context header")
	}
	if !strings.Contains(second, "analysis output") {
		t.Error("second prompt missing first step output")
	}

	if analysis.TotalTokens != 450 {
		t.Errorf("expected 450 total tokens, got %d", analysis.TotalTokens)
	}
	if analysis.TotalCostUSD != 0.75 {
		t.Errorf("expected total cost 0.75, got %f", analysis.TotalCostUSD)
	}
	if analysis.Metadata.UserID != "alice" {
		t.Errorf("unexpected user: %s", analysis.Metadata.UserID)
	}
	if analysis.Steps[0].Step != 1 || analysis.Steps[2].Step != 3 {
		t.Error("step indexes should be 1-based")
	}
}

func TestExecuteUsesClientReportedCost(t *testing.T) {
	env := newTestEnv(t)

	t.Run("per-call cost summed", func(t *testing.T) {
		env.client.costUSD = 0.5
		engine := env.engine(EngineConfig{})

		analysis, err := engine.Execute(context.Background(), quickReview(),
			Document{Content: "doc"}, "")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		for _, step := range analysis.Steps {
			if step.CostUSD != 0.5 {
				t.Errorf("step %d cost %f, want 0.5", step.Step, step.CostUSD)
			}
		}
		if analysis.TotalCostUSD != 1.5 {
			t.Errorf("total cost %f, want 1.5", analysis.TotalCostUSD)
		}
	})

	// A zero-cost client (local inference) must yield a zero-cost analysis.
	t.Run("free client yields free analysis", func(t *testing.T) {
		env.client.costUSD = 0
		engine := env.engine(EngineConfig{})

		analysis, err := engine.Execute(context.Background(), quickReview(),
			Document{Content: "doc"}, "")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if analysis.TotalCostUSD != 0 {
			t.Errorf("expected zero cost, got %f", analysis.TotalCostUSD)
		}
		if analysis.TotalTokens == 0 {
			t.Error("tokens should still be counted for free calls")
		}
	})
}

func TestExecutePersistsAnalysis(t *testing.T) {
	env := newTestEnv(t)
	engine := env.engine(EngineConfig{})

	analysis, err := engine.Execute(context.Background(), quickReview(),
		Document{Content: "doc", Filename: "doc.txt"}, "bob")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	stored, err := env.store.GetAnalysis(analysis.ID)
	if err != nil {
		t.Fatalf("load analysis: %v", err)
	}
	if stored.DocumentName != "doc.txt" {
		t.Errorf("unexpected document name: %s", stored.DocumentName)
	}
	if len(stored.Steps) != 3 {
		t.Errorf("expected 3 stored steps, got %d", len(stored.Steps))
	}

	byUser, err := env.store.ListAnalyses("bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byUser) != 1 {
		t.Errorf("expected 1 analysis for bob, got %d", len(byUser))
	}
	if other, _ := env.store.ListAnalyses("carol"); len(other) != 0 {
		t.Errorf("expected no analyses for carol")
	}
}

func TestExecuteRecordsStepFailureAndContinues(t *testing.T) {
	env := newTestEnv(t)
	env.client.reply = func(req openrouter.ChatRequest) (string, error) {
		if strings.Contains(req.UserPrompt, "Claims Analysis Expert") ||
			strings.Contains(req.UserPrompt, "Claims information") {
			return "", errors.New("API request failed with status 500")
		}
		return "ok", nil
	}

	engine := env.engine(EngineConfig{})
	analysis, err := engine.Execute(context.Background(), quickReview(),
		Document{Content: "doc"}, "")
	if err != nil {
		t.Fatalf("execute should not abort on step failure: %v", err)
	}

	if len(analysis.Metadata.Errors) != 1 {
		t.Fatalf("expected 1 recorded error, got %v", analysis.Metadata.Errors)
	}
	if !strings.Contains(analysis.Metadata.Errors[0], "Claims Analysis Expert") {
		t.Errorf("error should name the persona: %s", analysis.Metadata.Errors[0])
	}

	// Failed step still appears in order with its error
	if len(analysis.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(analysis.Steps))
	}
	if analysis.Steps[1].Err == "" {
		t.Error("expected second step to carry an error")
	}
	// The summary step still ran
	if analysis.Steps[2].Err != "" {
		t.Errorf("expected summary step to succeed: %s", analysis.Steps[2].Err)
	}
}

func TestExecuteValidation(t *testing.T) {
	env := newTestEnv(t)
	engine := env.engine(EngineConfig{})

	t.Run("unknown persona", func(t *testing.T) {
		w := &Workflow{ID: "w", PersonaIDs: []string{"risk_assessment", "nope"}}
		_, err := engine.Execute(context.Background(), w, Document{Content: "x"}, "")
		if !errors.IsInvalidRequestError(err) {
			t.Errorf("expected invalid request, got %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "nope") {
			t.Errorf("error should name the unknown persona: %v", err)
		}
	})

	t.Run("empty sequence", func(t *testing.T) {
		w := &Workflow{ID: "w"}
		_, err := engine.Execute(context.Background(), w, Document{Content: "x"}, "")
		if !errors.IsInvalidRequestError(err) {
			t.Errorf("expected invalid request, got %v", err)
		}
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := engine.Execute(context.Background(), quickReview(), Document{Content: "  "}, "")
		if !errors.IsInvalidRequestError(err) {
			t.Errorf("expected invalid request, got %v", err)
		}
	})
}

func TestExecuteBudgetRejection(t *testing.T) {
	env := newTestEnv(t)
	tracker := budget.NewTracker(env.store.db, budget.Config{
		DailyBudgetUSD:   0.0,
		MonthlyBudgetUSD: 0.0,
		CostPerStepUSD:   0.01,
	})

	engine := env.engine(EngineConfig{Budget: tracker})
	_, err := engine.Execute(context.Background(), quickReview(), Document{Content: "doc"}, "")
	if !errors.IsBudgetExceededError(err) {
		t.Errorf("expected budget exceeded, got %v", err)
	}
	if len(env.client.requests) != 0 {
		t.Error("no LLM calls should be made when over budget")
	}
}

func TestExecuteAgentStrategy(t *testing.T) {
	env := newTestEnv(t)
	agent := &persona.Persona{
		ID:             "contract_agent",
		Name:           "Contract Review Specialist",
		Description:    "Structured contract review",
		Strategy:       persona.StrategyAgent,
		PromptTemplate: "Context: {context}\nContract: {input}",
	}
	if err := env.registry.Create(agent); err != nil {
		t.Fatalf("create agent persona: %v", err)
	}

	t.Run("valid JSON parsed", func(t *testing.T) {
		env.client.reply = func(req openrouter.ChatRequest) (string, error) {
			return `{"summary": "fine", "risks": ["none"]}`, nil
		}
		engine := env.engine(EngineConfig{})

		w := &Workflow{ID: "w", PersonaIDs: []string{"contract_agent"}}
		analysis, err := engine.Execute(context.Background(), w, Document{Content: "contract"}, "")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}

		sys := env.client.requests[len(env.client.requests)-1].SystemPrompt
		if !strings.Contains(sys, "Respond with valid JSON only.") {
			t.Errorf("agent system prompt missing JSON instruction: %q", sys)
		}

		step := analysis.Steps[0]
		if step.Structured["summary"] != "fine" {
			t.Errorf("unexpected structured result: %v", step.Structured)
		}
	})

	t.Run("invalid JSON falls back to raw", func(t *testing.T) {
		env.client.reply = func(req openrouter.ChatRequest) (string, error) {
			return "not json at all", nil
		}
		engine := env.engine(EngineConfig{})

		w := &Workflow{ID: "w", PersonaIDs: []string{"contract_agent"}}
		analysis, err := engine.Execute(context.Background(), w, Document{Content: "contract"}, "")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}

		step := analysis.Steps[0]
		if step.Structured["raw_analysis"] != "not json at all" {
			t.Errorf("expected raw_analysis fallback, got %v", step.Structured)
		}
	})
}

func TestExecuteEmitsEvents(t *testing.T) {
	env := newTestEnv(t)

	var events []Event
	engine := env.engine(EngineConfig{
		OnEvent: func(e Event) { events = append(events, e) },
	})

	_, err := engine.Execute(context.Background(), quickReview(), Document{Content: "doc"}, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 3 started + 3 completed + 1 workflow completed
	if len(events) != 7 {
		t.Fatalf("expected 7 events, got %d", len(events))
	}
	if events[0].Type != EventStepStarted || events[0].Step != 1 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[len(events)-1].Type != EventWorkflowCompleted {
		t.Errorf("unexpected last event: %+v", events[len(events)-1])
	}
}

func TestCapContext(t *testing.T) {
	engine := NewEngine(EngineConfig{MaxContextBytes: 20})

	t.Run("under cap unchanged", func(t *testing.T) {
		if got := engine.capContext("short"); got != "short" {
			t.Errorf("unexpected: %q", got)
		}
	})

	t.Run("keeps tail", func(t *testing.T) {
		in := "old old old old\nrecent analysis"
		got := engine.capContext(in)
		if len(got) > 20 {
			t.Errorf("cap not enforced: %d bytes", len(got))
		}
		if !strings.HasSuffix(in, got) {
			t.Errorf("expected a suffix of the input, got %q", got)
		}
		if strings.HasPrefix(got, "\n") {
			t.Errorf("cut should land after a newline, got %q", got)
		}
	})
}

func TestExport(t *testing.T) {
	analysis := &Analysis{
		ID:         "a1",
		WorkflowID: "quick_review",
		Steps: []StepResult{
			{PersonaID: "risk_assessment", PersonaName: "Risk Assessment Specialist", Step: 1, Content: "ok"},
		},
		TotalTokens: 150,
	}

	t.Run("json", func(t *testing.T) {
		out, err := analysis.Export("json")
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if !strings.Contains(out, `"workflow_id": "quick_review"`) {
			t.Errorf("unexpected json: %s", out)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := analysis.Export("yaml")
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		if !strings.Contains(out, "workflow_id: quick_review") {
			t.Errorf("unexpected yaml: %s", out)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if _, err := analysis.Export("xml"); err == nil {
			t.Error("expected error for xml")
		}
	})
}
