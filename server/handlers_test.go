package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/db"
	"github.com/ensembleworks/ensemble/persona"
	"github.com/ensembleworks/ensemble/workflow"
)

// newMockInference serves an OpenAI-compatible chat completions
// endpoint so the whole execute path runs without network access.
func newMockInference(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{
				"prompt_tokens":     100,
				"completion_tokens": 50,
				"total_tokens":      150,
			},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	inference := newMockInference(t, "mock analysis output")

	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(path, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{}
	cfg.LocalInference.Enabled = true
	cfg.LocalInference.BaseURL = inference.URL
	cfg.LocalInference.Model = "test-model"
	cfg.Workflow.DailyBudgetUSD = 10
	cfg.Workflow.MonthlyBudgetUSD = 100
	cfg.Workflow.CostPerStepUSD = 0.01

	s, err := New(cfg, database, nil, 0)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { s.cancel() })

	api := httptest.NewServer(s.Routes())
	t.Cleanup(api.Close)
	return s, api
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d (%s)", url, resp.StatusCode, wantStatus, body)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url string, body interface{}, wantStatus int) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s: status %d, want %d (%s)", url, resp.StatusCode, wantStatus, raw)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	_, api := newTestServer(t)

	out := getJSON(t, api.URL+"/health", http.StatusOK)
	if out["status"] != "healthy" {
		t.Errorf("unexpected health status: %v", out["status"])
	}
	if _, ok := out["services"]; !ok {
		t.Error("expected services map in health response")
	}
}

func TestPersonaEndpoints(t *testing.T) {
	_, api := newTestServer(t)

	out := getJSON(t, api.URL+"/api/personas", http.StatusOK)
	if out["count"].(float64) != 6 {
		t.Errorf("expected 6 builtin personas, got %v", out["count"])
	}

	created := postJSON(t, api.URL+"/api/personas", persona.Persona{
		ID:             "legal_review",
		Name:           "Legal Reviewer",
		PromptTemplate: "Review for legal exposure: {input}\n\nContext: {context}",
	}, http.StatusCreated)
	if created["id"] != "legal_review" {
		t.Errorf("unexpected created persona: %v", created)
	}

	got := getJSON(t, api.URL+"/api/personas/legal_review", http.StatusOK)
	if got["name"] != "Legal Reviewer" {
		t.Errorf("unexpected persona name: %v", got["name"])
	}

	t.Run("builtin delete forbidden", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, api.URL+"/api/personas/risk_assessment", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("expected 403 for builtin delete, got %d", resp.StatusCode)
		}
	})

	t.Run("custom delete", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, api.URL+"/api/personas/legal_review", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200 for custom delete, got %d", resp.StatusCode)
		}
	})

	t.Run("missing persona", func(t *testing.T) {
		resp, err := http.Get(api.URL + "/api/personas/nope")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})
}

func TestWorkflowEndpoints(t *testing.T) {
	_, api := newTestServer(t)

	out := getJSON(t, api.URL+"/api/workflows", http.StatusOK)
	if out["count"].(float64) != 4 {
		t.Errorf("expected 4 builtin templates, got %v", out["count"])
	}

	created := postJSON(t, api.URL+"/api/workflows", workflow.Workflow{
		Name:       "Risk Only",
		PersonaIDs: []string{"risk_assessment", "summary_only"},
		CreatedBy:  "alice",
	}, http.StatusCreated)
	id := created["id"].(string)
	if id == "" {
		t.Fatal("expected generated workflow id")
	}

	got := getJSON(t, api.URL+"/api/workflows/"+id, http.StatusOK)
	if got["name"] != "Risk Only" {
		t.Errorf("unexpected workflow name: %v", got["name"])
	}

	t.Run("unknown persona rejected", func(t *testing.T) {
		data, _ := json.Marshal(workflow.Workflow{
			Name:       "Broken",
			PersonaIDs: []string{"no_such_persona"},
		})
		resp, err := http.Post(api.URL+"/api/workflows", "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestExecuteAndAnalysisEndpoints(t *testing.T) {
	_, api := newTestServer(t)

	analysis := postJSON(t, api.URL+"/api/analysis/execute", map[string]interface{}{
		"workflow_id": "quick_review",
		"document": map[string]string{
			"content":  "Quarterly operations report. Revenue up, two safety incidents.",
			"filename": "q3.txt",
		},
		"user_id": "alice",
	}, http.StatusOK)

	steps := analysis["steps"].([]interface{})
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	// Local inference is free; the analysis must not report paid spend.
	if cost := analysis["total_cost_usd"].(float64); cost != 0 {
		t.Errorf("expected zero cost for local inference, got %f", cost)
	}
	id := analysis["id"].(string)

	got := getJSON(t, api.URL+"/api/analysis/"+id, http.StatusOK)
	if got["document_name"] != "q3.txt" {
		t.Errorf("unexpected document name: %v", got["document_name"])
	}

	list := getJSON(t, api.URL+"/api/analysis?user=alice", http.StatusOK)
	if list["count"].(float64) != 1 {
		t.Errorf("expected 1 analysis for alice, got %v", list["count"])
	}

	none := getJSON(t, api.URL+"/api/analysis?user=bob", http.StatusOK)
	if none["count"].(float64) != 0 {
		t.Errorf("expected 0 analyses for bob, got %v", none["count"])
	}

	t.Run("export yaml", func(t *testing.T) {
		resp, err := http.Get(api.URL + "/api/analysis/" + id + "/export?format=yaml")
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "workflow_id: quick_review") {
			t.Errorf("yaml export missing workflow id:\n%s", body)
		}
	})

	t.Run("unknown workflow", func(t *testing.T) {
		data, _ := json.Marshal(map[string]interface{}{
			"workflow_id": "missing",
			"document":    map[string]string{"content": "x", "filename": "x.txt"},
		})
		resp, err := http.Post(api.URL+"/api/analysis/execute", "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("empty document", func(t *testing.T) {
		data, _ := json.Marshal(map[string]interface{}{
			"workflow_id": "quick_review",
			"document":    map[string]string{"content": "", "filename": "x.txt"},
		})
		resp, err := http.Post(api.URL+"/api/analysis/execute", "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestChatEndpoints(t *testing.T) {
	_, api := newTestServer(t)

	analysis := postJSON(t, api.URL+"/api/analysis/execute", map[string]interface{}{
		"workflow_id": "quick_review",
		"document":    map[string]string{"content": "Annual report text.", "filename": "annual.txt"},
	}, http.StatusOK)
	id := analysis["id"].(string)

	msg := postJSON(t, api.URL+"/api/chat/send", map[string]string{
		"analysis_id": id,
		"message":     "what stands out?",
	}, http.StatusOK)
	if msg["assistant_response"] != "mock analysis output" {
		t.Errorf("unexpected chat response: %v", msg["assistant_response"])
	}

	history := getJSON(t, api.URL+"/api/chat/"+id+"/history", http.StatusOK)
	if history["count"].(float64) != 1 {
		t.Errorf("expected 1 message in history, got %v", history["count"])
	}

	// Mock returns prose, so summary degrades to the generic structure.
	summary := getJSON(t, api.URL+"/api/chat/"+id+"/summary", http.StatusOK)
	inner := summary["summary"].(map[string]interface{})
	if inner["executive_summary"] != "Analysis completed successfully" {
		t.Errorf("expected fallback summary, got %v", inner["executive_summary"])
	}

	t.Run("clear history", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodDelete, api.URL+"/api/chat/"+id+"/history", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		history := getJSON(t, api.URL+"/api/chat/"+id+"/history", http.StatusOK)
		if history["count"].(float64) != 0 {
			t.Errorf("expected empty history after clear, got %v", history["count"])
		}
	})

	t.Run("compare requires two", func(t *testing.T) {
		data, _ := json.Marshal(map[string]interface{}{"analysis_ids": []string{id}})
		resp, err := http.Post(api.URL+"/api/chat/compare", "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestUsageAndBudgetEndpoints(t *testing.T) {
	_, api := newTestServer(t)

	postJSON(t, api.URL+"/api/analysis/execute", map[string]interface{}{
		"workflow_id": "quick_review",
		"document":    map[string]string{"content": "doc", "filename": "d.txt"},
	}, http.StatusOK)

	stats := getJSON(t, api.URL+"/api/usage/stats?days=7", http.StatusOK)
	if stats["days"].(float64) != 7 {
		t.Errorf("unexpected days: %v", stats["days"])
	}
	// Local inference is untracked, so the stats exist but stay at zero.
	inner := stats["stats"].(map[string]interface{})
	if _, ok := inner["total_requests"]; !ok {
		t.Error("stats response missing total_requests")
	}

	if _, ok := getJSON(t, api.URL+"/api/usage/breakdown", http.StatusOK)["models"]; !ok {
		t.Error("breakdown response missing models")
	}
	if _, ok := getJSON(t, api.URL+"/api/usage/timeseries?days=14", http.StatusOK)["points"]; !ok {
		t.Error("timeseries response missing points")
	}

	budget := getJSON(t, api.URL+"/api/budget", http.StatusOK)
	if _, ok := budget["status"]; !ok {
		t.Error("budget response missing status")
	}

	t.Run("patch limits", func(t *testing.T) {
		data, _ := json.Marshal(map[string]float64{
			"daily_budget_usd":  25,
			"weekly_budget_usd": 60,
		})
		req, _ := http.NewRequest(http.MethodPatch, api.URL+"/api/budget", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("patch: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var out map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&out)
		limits := out["limits"].(map[string]interface{})
		if limits["DailyBudgetUSD"].(float64) != 25 {
			t.Errorf("expected updated daily limit, got %v", limits["DailyBudgetUSD"])
		}
		if limits["WeeklyBudgetUSD"].(float64) != 60 {
			t.Errorf("expected updated weekly limit, got %v", limits["WeeklyBudgetUSD"])
		}
	})
}

func TestUpload(t *testing.T) {
	_, api := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "contract.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fmt.Fprint(part, "This agreement is made between the parties.")
	mw.Close()

	resp, err := http.Post(api.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["filename"] != "contract.txt" {
		t.Errorf("unexpected filename: %v", out["filename"])
	}
	if out["content"] != "This agreement is made between the parties." {
		t.Errorf("unexpected content: %v", out["content"])
	}

	t.Run("missing file field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		mw.WriteField("other", "value")
		mw.Close()

		resp, err := http.Post(api.URL+"/api/upload", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("binary content rejected", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		part, err := mw.CreateFormFile("file", "scan.pdf")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		part.Write([]byte{0xff, 0xfe, 0x00, 0x89, 0x50})
		mw.Close()

		resp, err := http.Post(api.URL+"/api/upload", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400 for non-UTF-8 upload, got %d", resp.StatusCode)
		}
	})
}

func TestApplyConfig(t *testing.T) {
	s, _ := newTestServer(t)

	personaFile := filepath.Join(t.TempDir(), "personas.yaml")
	def := `personas:
  fraud_screen:
    name: Fraud Screening Analyst
    description: Flags fraud indicators
    prompt_template: "Context: {context}\nDocument: {input}"
`
	if err := os.WriteFile(personaFile, []byte(def), 0644); err != nil {
		t.Fatal(err)
	}

	next := &config.Config{}
	next.Workflow.DailyBudgetUSD = 42
	next.Workflow.WeeklyBudgetUSD = 80
	next.Workflow.MonthlyBudgetUSD = 250
	next.Personas.File = personaFile

	if err := s.ApplyConfig(next); err != nil {
		t.Fatalf("apply config: %v", err)
	}

	limits := s.budgetTracker.GetBudgetLimits()
	if limits.DailyBudgetUSD != 42 || limits.WeeklyBudgetUSD != 80 || limits.MonthlyBudgetUSD != 250 {
		t.Errorf("unexpected limits after reload: %+v", limits)
	}
	if _, err := s.registry.Get("fraud_screen"); err != nil {
		t.Errorf("file persona not loaded after reload: %v", err)
	}

	// Removing the persona file from config drops its personas
	cleared := &config.Config{}
	cleared.Workflow.DailyBudgetUSD = 42
	cleared.Workflow.WeeklyBudgetUSD = 80
	cleared.Workflow.MonthlyBudgetUSD = 250
	if err := s.ApplyConfig(cleared); err != nil {
		t.Fatalf("apply cleared config: %v", err)
	}
	if _, err := s.registry.Get("fraud_screen"); err == nil {
		t.Error("file persona should be gone once the file is unset")
	}
}

func TestCORSPreflight(t *testing.T) {
	_, api := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, api.URL+"/api/personas", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 preflight, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected allow origin: %q", got)
	}

	t.Run("disallowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, api.URL+"/api/personas", nil)
		req.Header.Set("Origin", "http://evil.example")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("options: %v", err)
		}
		defer resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no allow origin header, got %q", got)
		}
	})
}
