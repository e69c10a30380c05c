package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// mockCaller scripts one response per call, in order.
type mockCaller struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (m *mockCaller) Generate(_ context.Context, _, prompt string) (string, error) {
	i := m.calls
	m.calls++
	m.prompts = append(m.prompts, prompt)
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	var raw string
	if i < len(m.responses) {
		raw = m.responses[i]
	}
	return raw, err
}

func (m *mockCaller) ModelName() string { return "mock-model" }

func newTestCompleter(caller Caller) *Completer {
	return NewCompleter(caller, CompleterConfig{Timeout: time.Second, RequestsPerMin: 100000})
}

func TestCompleteParsesFencedJSON(t *testing.T) {
	caller := &mockCaller{responses: []string{"```json\n{\"name\": \"Notion\"}\n```"}}
	c := newTestCompleter(caller)

	var out struct {
		Name string `json:"name"`
	}
	if err := c.Complete(context.Background(), "test_op", "sys", "prompt", &out); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Name != "Notion" {
		t.Errorf("out = %+v", out)
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want 1 (no repair needed)", caller.calls)
	}
}

func TestCompleteRepairPass(t *testing.T) {
	caller := &mockCaller{responses: []string{
		"Sure! The answer is {\"name\": \"Notion\"} hope that helps",
		`{"name": "Notion"}`,
	}}
	c := newTestCompleter(caller)

	var out struct {
		Name string `json:"name"`
	}
	if err := c.Complete(context.Background(), "test_op", "sys", "prompt", &out); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Name != "Notion" {
		t.Errorf("out = %+v", out)
	}
	if caller.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one repair pass)", caller.calls)
	}
	if !strings.Contains(caller.prompts[1], "hope that helps") {
		t.Error("repair prompt should embed the original raw response")
	}
}

func TestCompleteFailsAfterRepair(t *testing.T) {
	caller := &mockCaller{responses: []string{"not json", "still not json"}}
	c := newTestCompleter(caller)

	var out map[string]any
	err := c.Complete(context.Background(), "test_op", "sys", "prompt", &out)
	if err == nil {
		t.Fatal("want error after failed repair pass")
	}
	if !IsServiceError(err) {
		t.Errorf("err = %v, want ServiceError", err)
	}
	var se *ServiceError
	if errors.As(err, &se) && se.Op != "test_op" {
		t.Errorf("Op = %s", se.Op)
	}
}

func TestCompleteEmptyObjectIsNotAnError(t *testing.T) {
	caller := &mockCaller{responses: []string{"{}"}}
	c := newTestCompleter(caller)

	var out struct {
		Items []string `json:"items"`
	}
	if err := c.Complete(context.Background(), "test_op", "sys", "prompt", &out); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Items != nil {
		t.Errorf("out = %+v, want zero value", out)
	}
}

func TestGenerateAbortsOnClientError(t *testing.T) {
	caller := &mockCaller{errs: []error{errors.New("status code: 400 invalid request")}}
	c := newTestCompleter(caller)

	var out map[string]any
	err := c.Complete(context.Background(), "test_op", "sys", "prompt", &out)
	if err == nil {
		t.Fatal("want error")
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want 1 (client errors must not retry)", caller.calls)
	}
}

func TestResponseSizeCeiling(t *testing.T) {
	caller := &mockCaller{responses: []string{strings.Repeat("a", 100)}}
	c := NewCompleter(caller, CompleterConfig{Timeout: time.Second, MaxResponseChars: 10, RequestsPerMin: 100000})

	var out map[string]any
	err := c.Complete(context.Background(), "test_op", "sys", "prompt", &out)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("err = %v, want size ceiling error", err)
	}
}

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		err  error
		want failureClass
	}{
		{context.DeadlineExceeded, failureTimeout},
		{errors.New("status code: 429 too many requests"), failureRateLimit},
		{errors.New("status code: 503 overloaded"), failureServer},
		{errors.New("status code: 401 unauthorized"), failureClient},
		{errors.New("rate limit exceeded"), failureRateLimit},
		{errors.New("connection reset by peer"), failureServer},
	}
	for _, tc := range cases {
		if got := classifyTransportError(tc.err); got != tc.want {
			t.Errorf("classifyTransportError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"{\"a\":1}", "{\"a\":1}"},
		{"```json\n{\"a\":1}\n```", "{\"a\":1}"},
		{"```\n{\"a\":1}\n```", "{\"a\":1}"},
		{"  ```json\n{\"a\":1}\n```  ", "{\"a\":1}"},
	}
	for _, tc := range cases {
		if got := stripCodeFences(tc.in); got != tc.want {
			t.Errorf("stripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
