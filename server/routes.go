package server

import (
	"net/http"
	"strings"
)

// Routes builds the HTTP mux for all Ensemble endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))

	mux.HandleFunc("/api/personas", s.corsMiddleware(s.HandlePersonas))         // List/create personas (GET/POST)
	mux.HandleFunc("/api/personas/", s.corsMiddleware(s.HandlePersona))         // Individual persona (GET/DELETE)
	mux.HandleFunc("/api/workflows", s.corsMiddleware(s.HandleWorkflows))       // List/create workflows (GET/POST)
	mux.HandleFunc("/api/workflows/", s.corsMiddleware(s.HandleWorkflow))       // Individual workflow (GET)
	mux.HandleFunc("/api/analysis/execute", s.corsMiddleware(s.HandleExecute))  // Run a workflow against a document (POST)
	mux.HandleFunc("/api/analysis", s.corsMiddleware(s.HandleAnalyses))         // List analyses (GET)
	mux.HandleFunc("/api/analysis/", s.corsMiddleware(s.HandleAnalysis))        // Individual analysis and export (GET)
	mux.HandleFunc("/api/chat/send", s.corsMiddleware(s.HandleChatSend))        // Send a chat message (POST)
	mux.HandleFunc("/api/chat/compare", s.corsMiddleware(s.HandleChatCompare))  // Compare analyses (POST)
	mux.HandleFunc("/api/chat/", s.corsMiddleware(s.HandleChatAnalysis))        // History/summary per analysis
	mux.HandleFunc("/api/usage/stats", s.corsMiddleware(s.HandleUsageStats))    // Aggregate usage (GET)
	mux.HandleFunc("/api/usage/breakdown", s.corsMiddleware(s.HandleBreakdown)) // Per-model usage (GET)
	mux.HandleFunc("/api/usage/timeseries", s.corsMiddleware(s.HandleTimeSeries))
	mux.HandleFunc("/api/budget", s.corsMiddleware(s.HandleBudget)) // Budget status (GET) and limits (PATCH)
	mux.HandleFunc("/api/upload", s.corsMiddleware(s.HandleUpload)) // Multipart document upload (POST)

	return mux
}

// corsMiddleware adds CORS headers using the configured allowed origins.
// Uses the same origin validation as WebSocket connections.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// originAllowed reports whether an Origin header value matches the
// configured allow list. Entries without a port match any port on the
// same host.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.GetServerAllowedOrigins() {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}
