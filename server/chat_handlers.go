package server

import (
	"net/http"
)

type chatSendRequest struct {
	AnalysisID string `json:"analysis_id"`
	Message    string `json:"message"`
}

// HandleChatSend answers a user question about an analysis
func (s *Server) HandleChatSend(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req chatSendRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	msg, err := s.chat.SendMessage(r.Context(), req.AnalysisID, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type chatCompareRequest struct {
	AnalysisIDs []string `json:"analysis_ids"`
}

// HandleChatCompare produces a structured comparison across analyses
func (s *Server) HandleChatCompare(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req chatCompareRequest
	if readJSON(w, r, &req) != nil {
		return
	}

	result, err := s.chat.Compare(r.Context(), req.AnalysisIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleChatAnalysis serves per-analysis chat sub-resources:
//
//	GET    /api/chat/{analysis_id}/history
//	DELETE /api/chat/{analysis_id}/history
//	GET    /api/chat/{analysis_id}/summary
func (s *Server) HandleChatAnalysis(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/chat/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Expected /api/chat/{analysis_id}/{history|summary}")
		return
	}
	analysisID := parts[0]

	switch parts[1] {
	case "history":
		switch r.Method {
		case http.MethodGet:
			history, err := s.chat.History(analysisID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"analysis_id": analysisID,
				"messages":    history,
				"count":       len(history),
			})
		case http.MethodDelete:
			if err := s.chat.ClearHistory(analysisID); err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"cleared": analysisID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}

	case "summary":
		if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		result, err := s.chat.Summary(r.Context(), analysisID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, http.StatusNotFound, "Unknown chat resource: "+parts[1])
	}
}
