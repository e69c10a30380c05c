package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
	"github.com/rivalscope/rivalscope/internal/pipeline"
)

// stubCompleter always yields an empty JSON object, driving every stage to
// its documented default so runs finish fast and deterministically.
type stubCompleter struct{}

func (stubCompleter) Complete(_ context.Context, _, _, _ string, out any) error {
	return json.Unmarshal([]byte("{}"), out)
}

type stubChatter struct {
	reply string
	err   error
}

func (s stubChatter) Generate(context.Context, string, string) (string, error) {
	return s.reply, s.err
}

func newTestServer(t *testing.T, chat Chatter) (http.Handler, *analysis.Store) {
	t.Helper()
	store, err := analysis.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	runner := pipeline.NewRunner(context.Background(), pipeline.New(store, stubCompleter{}, nil, pipeline.Config{}))
	return NewServer(store, runner, chat), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var payload map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	}
	return rec, payload
}

func waitForStatus(t *testing.T, store *analysis.Store, id string, want analysis.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		a, err := store.GetAnalysis(id)
		if err != nil {
			t.Fatalf("GetAnalysis: %v", err)
		}
		if a.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("analysis %s never reached status %s", id, want)
}

func TestCreateAnalysisRunsPipeline(t *testing.T) {
	h, store := newTestServer(t, nil)

	rec, payload := doJSON(t, h, http.MethodPost, "/v1/analyses", map[string]any{
		"app_name":    "NoteFlow",
		"audience":    "students",
		"description": "spaced-repetition notes",
		"features":    []map[string]string{{"name": "Dark mode"}, {"name": ""}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("payload = %v", payload)
	}

	waitForStatus(t, store, id, analysis.StatusCompleted)

	features, _ := store.ListUserFeatures(id)
	if len(features) != 1 {
		t.Errorf("features = %d, want 1 (blank name skipped)", len(features))
	}

	rec, payload = doJSON(t, h, http.MethodGet, "/v1/analyses/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status read = %d", rec.Code)
	}
	if payload["status"] != "completed" || payload["stage"] != "complete" {
		t.Errorf("payload = %v", payload)
	}
}

func TestCreateAnalysisValidation(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/analyses", map[string]any{"app_name": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodGet, "/v1/analyses", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/analyses = %d, want 405", rec.Code)
	}
}

func TestStatusNotFound(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec, _ := doJSON(t, h, http.MethodGet, "/v1/analyses/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReportAggregatesPersistedEntities(t *testing.T) {
	h, store := newTestServer(t, nil)
	rec, payload := doJSON(t, h, http.MethodPost, "/v1/analyses", map[string]any{
		"app_name": "NoteFlow",
		"features": []map[string]string{{"name": "Dark mode"}},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create = %d", rec.Code)
	}
	id := payload["id"].(string)
	waitForStatus(t, store, id, analysis.StatusCompleted)

	rec, report := doJSON(t, h, http.MethodGet, "/v1/analyses/"+id+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("report = %d", rec.Code)
	}
	params, _ := report["parameters"].([]any)
	if len(params) != 10 {
		t.Errorf("report parameters = %d, want 10", len(params))
	}
	personas, _ := report["personas"].([]any)
	if len(personas) != 3 {
		t.Errorf("report personas = %d, want 3", len(personas))
	}
	if report["blue_ocean"] == nil || report["market_intelligence"] == nil {
		t.Error("report missing blue_ocean or market_intelligence")
	}
}

func TestRerun(t *testing.T) {
	h, store := newTestServer(t, nil)
	rec, payload := doJSON(t, h, http.MethodPost, "/v1/analyses", map[string]any{"app_name": "NoteFlow"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create = %d", rec.Code)
	}
	id := payload["id"].(string)
	waitForStatus(t, store, id, analysis.StatusCompleted)

	// The in-process single-flight entry clears just after the status flips
	// to completed, so a conflict here can be transient.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, _ = doJSON(t, h, http.MethodPost, "/v1/analyses/"+id+"/rerun", nil)
		if rec.Code != http.StatusConflict || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("rerun = %d body=%s", rec.Code, rec.Body.String())
	}
	waitForStatus(t, store, id, analysis.StatusCompleted)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/analyses/"+uuid.NewString()+"/rerun", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("rerun missing = %d, want 404", rec.Code)
	}
}

func TestPersonaChat(t *testing.T) {
	h, store := newTestServer(t, stubChatter{reply: "As a power user, I need an API."})
	rec, payload := doJSON(t, h, http.MethodPost, "/v1/analyses", map[string]any{"app_name": "NoteFlow"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create = %d", rec.Code)
	}
	id := payload["id"].(string)
	waitForStatus(t, store, id, analysis.StatusCompleted)

	personas, err := store.ListPersonas(id)
	if err != nil || len(personas) != 3 {
		t.Fatalf("personas = %d, %v", len(personas), err)
	}
	personaID := personas[0].ID

	rec, payload = doJSON(t, h, http.MethodPost, "/v1/personas/"+personaID+"/chat",
		map[string]string{"message": "What do you think of the pricing?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat = %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(payload["reply"].(string), "power user") {
		t.Errorf("reply = %v", payload["reply"])
	}

	rec, payload = doJSON(t, h, http.MethodGet, "/v1/personas/"+personaID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages = %d", rec.Code)
	}
	messages, _ := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Errorf("messages = %d, want user + assistant", len(messages))
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/personas/"+uuid.NewString()+"/chat",
		map[string]string{"message": "hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("chat with missing persona = %d, want 404", rec.Code)
	}
}

func TestPersonaChatUnconfigured(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/personas/"+uuid.NewString()+"/chat",
		map[string]string{"message": "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("chat without chatter = %d, want 503", rec.Code)
	}
}

func TestPersonaChatUpstreamFailure(t *testing.T) {
	h, store := newTestServer(t, stubChatter{err: errors.New("model down")})
	rec, payload := doJSON(t, h, http.MethodPost, "/v1/analyses", map[string]any{"app_name": "NoteFlow"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create = %d", rec.Code)
	}
	id := payload["id"].(string)
	waitForStatus(t, store, id, analysis.StatusCompleted)
	personas, _ := store.ListPersonas(id)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/personas/"+personas[0].ID+"/chat",
		map[string]string{"message": "hi"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("chat with failing model = %d, want 502", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, nil)
	rec, payload := doJSON(t, h, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK || payload["ok"] != true {
		t.Errorf("health = %d %v", rec.Code, payload)
	}
}
