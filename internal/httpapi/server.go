// Package httpapi is the thin trigger/status surface over the analysis
// pipeline: create an analysis (fire-and-forget processing), poll status,
// read the finished report, rerun, and chat with a generated persona.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
	"github.com/rivalscope/rivalscope/internal/pipeline"
)

// Chatter is the raw text capability behind persona chat. Optional: a nil
// Chatter disables the chat endpoint.
type Chatter interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type Server struct {
	store  *analysis.Store
	runner *pipeline.Runner
	chat   Chatter
}

func NewServer(store *analysis.Store, runner *pipeline.Runner, chat Chatter) http.Handler {
	s := &Server{store: store, runner: runner, chat: chat}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/analyses", s.handleAnalyses)
	mux.HandleFunc("/v1/analyses/", s.handleAnalysisSubtree)
	mux.HandleFunc("/v1/personas/", s.handlePersonaSubtree)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, analysis.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func methodOnly(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

type createAnalysisRequest struct {
	AppName     string `json:"app_name"`
	Audience    string `json:"audience"`
	Description string `json:"description"`
	Features    []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"features"`
}

func (s *Server) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodPost) {
		return
	}
	var req createAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	req.AppName = strings.TrimSpace(req.AppName)
	if req.AppName == "" {
		writeError(w, http.StatusBadRequest, "app_name is required")
		return
	}

	a := &analysis.Analysis{
		ID:          uuid.NewString(),
		AppName:     req.AppName,
		Audience:    strings.TrimSpace(req.Audience),
		Description: strings.TrimSpace(req.Description),
		Status:      analysis.StatusProcessing,
		Stage:       string(pipeline.StageCompetitors),
	}
	var features []analysis.UserFeature
	for _, f := range req.Features {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		features = append(features, analysis.UserFeature{
			ID:          uuid.NewString(),
			AnalysisID:  a.ID,
			Name:        name,
			Description: strings.TrimSpace(f.Description),
			Position:    len(features),
		})
	}

	if err := s.store.CreateAnalysis(a, features); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.runner.Enqueue(a.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":     true,
		"id":     a.ID,
		"status": a.Status,
		"stage":  a.Stage,
	})
}

func (s *Server) handleAnalysisSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/analyses/")
	id, sub, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch sub {
	case "":
		if !methodOnly(w, r, http.MethodGet) {
			return
		}
		s.handleStatus(w, id)
	case "report":
		if !methodOnly(w, r, http.MethodGet) {
			return
		}
		s.handleReport(w, id)
	case "rerun":
		if !methodOnly(w, r, http.MethodPost) {
			return
		}
		s.handleRerun(w, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, id string) {
	a, err := s.store.GetAnalysis(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	payload := map[string]any{
		"id":         a.ID,
		"app_name":   a.AppName,
		"status":     a.Status,
		"stage":      a.Stage,
		"created_at": a.CreatedAt,
		"updated_at": a.UpdatedAt,
	}
	if a.ErrorMessage != nil {
		payload["error_message"] = *a.ErrorMessage
	}
	if progress, ok := pipeline.ParseMatrixProgress(pipeline.Stage(a.Stage)); ok {
		payload["matrix_progress"] = map[string]int{"scored": progress.Scored, "total": progress.Total}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleReport returns the full persisted aggregate. Valid at any point
// mid-run: stages not yet reached simply contribute empty sections.
func (s *Server) handleReport(w http.ResponseWriter, id string) {
	a, err := s.store.GetAnalysis(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	report := map[string]any{"analysis": a}
	loads := []struct {
		key  string
		load func() (any, error)
	}{
		{"user_features", func() (any, error) { return s.store.ListUserFeatures(id) }},
		{"competitors", func() (any, error) { return s.store.ListCompetitors(id) }},
		{"competitor_features", func() (any, error) { return s.store.ListCompetitorFeatures(id) }},
		{"feature_groups", func() (any, error) { return s.store.ListFeatureGroups(id) }},
		{"parameters", func() (any, error) { return s.store.ListParameters(id) }},
		{"matrix_scores", func() (any, error) { return s.store.ListScores(id) }},
		{"gap_items", func() (any, error) { return s.store.ListGapItems(id) }},
		{"personas", func() (any, error) { return s.store.ListPersonas(id) }},
		{"reviews", func() (any, error) { return s.store.ListReviews(id) }},
		{"positioning", func() (any, error) { return s.store.ListPositioning(id) }},
	}
	for _, l := range loads {
		v, err := l.load()
		if err != nil {
			writeStoreError(w, err)
			return
		}
		report[l.key] = v
	}
	if ocean, err := s.store.GetBlueOcean(id); err == nil {
		report["blue_ocean"] = ocean
	} else if !errors.Is(err, analysis.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	if mi, err := s.store.GetMarketIntelligence(id); err == nil {
		report["market_intelligence"] = mi
	} else if !errors.Is(err, analysis.ErrNotFound) {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRerun(w http.ResponseWriter, id string) {
	err := s.runner.Rerun(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "id": id, "stage": pipeline.StageCompetitors})
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "analysis is already running")
	case errors.Is(err, analysis.ErrNotFound):
		writeError(w, http.StatusNotFound, "analysis not found")
	case strings.Contains(err.Error(), "still processing"):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handlePersonaSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/personas/")
	id, sub, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch sub {
	case "messages":
		if !methodOnly(w, r, http.MethodGet) {
			return
		}
		messages, err := s.store.ListPersonaMessages(id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"persona_id": id, "messages": messages})
	case "chat":
		if !methodOnly(w, r, http.MethodPost) {
			return
		}
		s.handlePersonaChat(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handlePersonaChat appends the user's message to the persona's log, asks the
// text capability for the persona's in-character reply using the stored
// system prompt and full history, and appends the reply.
func (s *Server) handlePersonaChat(w http.ResponseWriter, r *http.Request, personaID string) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "persona chat is not configured")
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	persona, err := s.store.GetPersona(personaID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	history, err := s.store.ListPersonaMessages(personaID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.store.AppendPersonaMessage(analysis.PersonaMessage{
		ID: uuid.NewString(), PersonaID: personaID, Role: "user", Content: req.Message,
	}); err != nil {
		writeStoreError(w, err)
		return
	}

	reply, err := s.chat.Generate(r.Context(), persona.SystemPrompt, chatTranscript(history, req.Message))
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("persona reply failed: %v", err))
		return
	}
	if err := s.store.AppendPersonaMessage(analysis.PersonaMessage{
		ID: uuid.NewString(), PersonaID: personaID, Role: "assistant", Content: reply,
	}); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"persona_id": personaID, "reply": reply})
}

func chatTranscript(history []analysis.PersonaMessage, latest string) string {
	var sb strings.Builder
	for _, m := range history {
		role := "User"
		if m.Role == "assistant" {
			role = "You"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
	}
	fmt.Fprintf(&sb, "User: %s\nReply in character.", latest)
	return sb.String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodOnly(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
