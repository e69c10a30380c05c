// Package pipeline runs the multi-stage competitive analysis for one
// submission: discovery, normalization, comparison matrix, gaps, MVP
// priorities, personas, positioning, and market intelligence. Stages execute
// sequentially; each stage persists its rows before the stage marker
// advances, so a client polling mid-run always sees data consistent with the
// marker. External-call failures degrade to documented defaults per stage;
// only store failures and stages with no fallback are fatal.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const systemPrompt = "You are a competitive market analyst. Respond with a single JSON object matching the requested schema exactly. Do not include prose, markdown, or code fences."

// Completer is the JSON-completion capability. Implementations must return
// either a populated out or an error; semantically empty but valid JSON is a
// success with zero values.
type Completer interface {
	Complete(ctx context.Context, op, system, prompt string, out any) error
}

// Searcher is the search-augmented completion capability used only by
// competitor discovery. A nil Searcher means discovery yields no competitors.
type Searcher interface {
	Search(ctx context.Context, system, prompt string) (string, error)
}

type Config struct {
	// MaxConcurrent caps simultaneous external sub-calls within a stage
	// (competitor enrichment, per-entity scoring). Defaults to 4.
	MaxConcurrent int64
}

type Pipeline struct {
	store    *analysis.Store
	llm      Completer
	searcher Searcher
	sem      *semaphore.Weighted
}

func New(store *analysis.Store, llm Completer, searcher Searcher, cfg Config) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Pipeline{
		store:    store,
		llm:      llm,
		searcher: searcher,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Process runs the full pipeline for one analysis. Any error that escapes a
// stage marks the analysis failed with the error's message; the same policy
// applies to fresh runs and reruns.
func (p *Pipeline) Process(ctx context.Context, analysisID string) error {
	start := time.Now()
	log.Printf("rivalscope pipeline_start analysis=%s", analysisID)

	err := p.run(ctx, analysisID)
	if err != nil {
		log.Printf("rivalscope pipeline_failed analysis=%s elapsed_s=%.1f err=%q",
			analysisID, time.Since(start).Seconds(), err.Error())
		if markErr := p.store.MarkFailed(analysisID, err.Error()); markErr != nil {
			log.Printf("rivalscope pipeline_mark_failed_error analysis=%s err=%q", analysisID, markErr.Error())
		}
		return err
	}
	log.Printf("rivalscope pipeline_complete analysis=%s elapsed_s=%.1f", analysisID, time.Since(start).Seconds())
	return nil
}

func (p *Pipeline) run(ctx context.Context, analysisID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panic: %v", r)
		}
	}()

	a, err := p.store.GetAnalysis(analysisID)
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}

	if err := p.runDiscovery(ctx, a); err != nil {
		return err
	}
	if err := p.runNormalization(ctx, a); err != nil {
		return err
	}
	if err := p.runMatrix(ctx, a); err != nil {
		return err
	}
	if err := p.runGaps(ctx, a); err != nil {
		return err
	}
	if err := p.runMVP(ctx, a); err != nil {
		return err
	}
	if err := p.runPersonas(ctx, a); err != nil {
		return err
	}
	if err := p.runPositioning(ctx, a); err != nil {
		return err
	}
	if err := p.runIntelligence(ctx, a); err != nil {
		return err
	}

	if err := p.setStage(a.ID, StageComplete); err != nil {
		return err
	}
	if err := p.store.MarkCompleted(a.ID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (p *Pipeline) setStage(analysisID string, stage Stage) error {
	if !ValidStage(stage) {
		return fmt.Errorf("invalid stage marker %q", stage)
	}
	log.Printf("rivalscope stage=%s analysis=%s", stage, analysisID)
	if err := p.store.SetStage(analysisID, string(stage)); err != nil {
		return fmt.Errorf("set stage %s: %w", stage, err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// stripCodeFences removes a single surrounding markdown fence. Discovery's
// search service wraps answers in fences often enough to warrant it here too.
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
