package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

const (
	DefaultModel            = "claude-sonnet-4-5-20250929"
	defaultTimeout          = 60 * time.Second
	defaultMaxResponseChars = 1 << 20
	maxTokens               = 8192
)

// ServiceError wraps any failure of the underlying completion service:
// transport errors, oversized responses, and unrepairable JSON. Semantically
// empty but valid JSON is never a ServiceError; callers get zero values.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string { return fmt.Sprintf("completion %s: %v", e.Op, e.Err) }
func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err came from the completion service.
func IsServiceError(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

// Caller is the raw text-generation capability.
type Caller interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	ModelName() string
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
	model    string
}

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	model := strings.TrimSpace(os.Getenv("RIVALSCOPE_LLM_MODEL"))
	if model == "" {
		model = DefaultModel
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicCaller{messages: &c.Messages, model: model}, nil
}

func (a *AnthropicCaller) ModelName() string { return a.model }

func (a *AnthropicCaller) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   maxTokens,
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// CompleterConfig tunes the Completer. Zero values take defaults.
type CompleterConfig struct {
	Timeout          time.Duration
	MaxResponseChars int
	RequestsPerMin   int
}

// Completer turns a raw Caller into the complete(prompt, &out) contract:
// rate-limited, per-call timeout, transport retry with backoff, one JSON
// repair pass before giving up.
type Completer struct {
	caller           Caller
	limiter          *rate.Limiter
	timeout          time.Duration
	maxResponseChars int
}

func NewCompleter(caller Caller, cfg CompleterConfig) *Completer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseChars <= 0 {
		cfg.MaxResponseChars = defaultMaxResponseChars
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 60
	}
	interval := time.Minute / time.Duration(cfg.RequestsPerMin)
	return &Completer{
		caller:           caller,
		limiter:          rate.NewLimiter(rate.Every(interval), 1),
		timeout:          cfg.Timeout,
		maxResponseChars: cfg.MaxResponseChars,
	}
}

func (c *Completer) ModelName() string { return c.caller.ModelName() }

// Complete sends the prompt, parses the response into out, and attempts one
// repair/re-extraction pass through a second completion call when the first
// response is not valid JSON.
func (c *Completer) Complete(ctx context.Context, op, system, prompt string, out any) error {
	raw, err := c.generate(ctx, op, system, prompt)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}

	clean := stripCodeFences(raw)
	if jsonErr := json.Unmarshal([]byte(clean), out); jsonErr == nil {
		return nil
	}

	log.Printf("rivalscope llm_repair_pass op=%s response_chars=%d", op, len(raw))
	repairPrompt := fmt.Sprintf(
		"The following text was supposed to be a single JSON object but is not valid JSON. Extract or repair it and return only the corrected JSON, nothing else.\n\n%s",
		truncate(raw, 20000),
	)
	repaired, err := c.generate(ctx, op+"_repair", system, repairPrompt)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	if jsonErr := json.Unmarshal([]byte(stripCodeFences(repaired)), out); jsonErr != nil {
		return &ServiceError{Op: op, Err: fmt.Errorf("unparseable response after repair pass: %w", jsonErr)}
	}
	return nil
}

func (c *Completer) generate(ctx context.Context, op, system, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		raw, err := c.caller.Generate(attemptCtx, system, prompt)
		cancel()
		if err == nil {
			if len(raw) > c.maxResponseChars {
				return "", fmt.Errorf("response exceeds %d chars", c.maxResponseChars)
			}
			return raw, nil
		}
		lastErr = err
		class := classifyTransportError(err)
		log.Printf("rivalscope llm_transport_error op=%s attempt=%d class=%d elapsed_ms=%d err=%q",
			op, attempt, class, time.Since(start).Milliseconds(), err.Error())
		if class == failureClient || ctx.Err() != nil {
			return "", err
		}
		if attempt < 3 {
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

var statusCodeRe = regexp.MustCompile(`(?:status(?:\s+code)?[:=\s]+)(\d{3})`)

type failureClass int

const (
	failureTimeout failureClass = iota + 1
	failureRateLimit
	failureServer
	failureClient
)

func classifyTransportError(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	msg := strings.ToLower(err.Error())
	m := statusCodeRe.FindStringSubmatch(msg)
	if len(m) == 2 {
		switch {
		case m[1] == "429":
			return failureRateLimit
		case strings.HasPrefix(m[1], "5"):
			return failureServer
		case strings.HasPrefix(m[1], "4"):
			return failureClient
		}
	}
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "status 429"), strings.Contains(msg, "status=429"):
		return failureRateLimit
	case strings.Contains(msg, "status 4"), strings.Contains(msg, "status=4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 1 * time.Second
	case 2:
		return 2 * time.Second
	default:
		return 4 * time.Second
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
