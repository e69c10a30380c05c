package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const (
	maxParameters         = 10
	weightTolerance       = 1e-6
	progressMarkerEvery   = 10
	defaultScoreReasoning = "No assessment was available for this parameter; defaulted to the midpoint."
)

const parametersPromptTemplate = `Define the comparison dimensions for a competitive feature matrix.

Product category context:
%s

Entities to compare: %s

Produce exactly 10 comparison parameters with importance weights that sum to 1.0.

Required JSON schema:
{
  "parameters": [
    {"name": "string", "description": "what this parameter measures", "weight": number}
  ]
}`

const scoringPromptTemplate = `Score one entity against every comparison parameter.

Entity: %s
About: %s

Parameters:
%s

Return one score per parameter, 0 (worst) to 10 (best), with one sentence of reasoning each. Use the exact parameter names given.

Required JSON schema:
{
  "scores": [
    {"parameter": "exact parameter name", "score": number, "reasoning": "string"}
  ]
}`

type parameterResponse struct {
	Parameters []struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Weight      float64 `json:"weight"`
	} `json:"parameters"`
}

type entityScoreResponse struct {
	Scores []struct {
		Parameter string  `json:"parameter"`
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	} `json:"scores"`
}

// scoringEntity is the user app (competitorID nil) or one competitor.
type scoringEntity struct {
	competitorID *string
	name         string
	description  string
}

// runMatrix generates weighted comparison parameters, then scores every
// entity against every parameter with one batched call per entity. Each
// entity's scores commit before the progress counter moves, and the progress
// marker is written every tenth completed cell.
func (p *Pipeline) runMatrix(ctx context.Context, a *analysis.Analysis) error {
	groups, err := p.store.ListFeatureGroups(a.ID)
	if err != nil {
		return fmt.Errorf("list feature groups: %w", err)
	}
	competitors, err := p.store.ListCompetitors(a.ID)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}

	params := p.generateParameters(ctx, a, groups, competitors)
	if err := p.store.InsertParameters(params); err != nil {
		return fmt.Errorf("insert parameters: %w", err)
	}

	entities := make([]scoringEntity, 0, len(competitors)+1)
	entities = append(entities, scoringEntity{name: a.AppName, description: a.Description})
	for _, c := range competitors {
		id := c.ID
		entities = append(entities, scoringEntity{competitorID: &id, name: c.Name, description: c.Description})
	}

	if err := p.scoreEntities(ctx, a, params, entities); err != nil {
		return err
	}
	return p.setStage(a.ID, StageMatrixComplete)
}

// generateParameters asks for 10 weighted parameters and normalizes the
// weights to sum to 1.0. An unusable response degrades to the fixed default
// parameter set.
func (p *Pipeline) generateParameters(ctx context.Context, a *analysis.Analysis, groups []analysis.FeatureGroup, competitors []analysis.Competitor) []analysis.Parameter {
	names := make([]string, 0, len(competitors)+1)
	names = append(names, a.AppName)
	for _, c := range competitors {
		names = append(names, c.Name)
	}
	prompt := fmt.Sprintf(parametersPromptTemplate, formatGroupSummary(a, groups), strings.Join(names, ", "))

	var resp parameterResponse
	if err := p.llm.Complete(ctx, "generate_parameters", systemPrompt, prompt, &resp); err != nil {
		log.Printf("rivalscope parameters_failed analysis=%s err=%q fallback=defaults", a.ID, err.Error())
		return defaultParameters(a.ID)
	}

	var params []analysis.Parameter
	for _, raw := range resp.Parameters {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			continue
		}
		if len(params) == maxParameters {
			break
		}
		params = append(params, analysis.Parameter{
			ID:          uuid.NewString(),
			AnalysisID:  a.ID,
			Name:        name,
			Description: raw.Description,
			Weight:      math.Max(0, raw.Weight),
			Position:    len(params),
		})
	}
	if len(params) == 0 {
		log.Printf("rivalscope parameters_empty analysis=%s fallback=defaults", a.ID)
		return defaultParameters(a.ID)
	}
	normalizeWeights(params)
	return params
}

func normalizeWeights(params []analysis.Parameter) {
	var sum float64
	for _, p := range params {
		sum += p.Weight
	}
	if sum < weightTolerance {
		even := 1.0 / float64(len(params))
		for i := range params {
			params[i].Weight = even
		}
		return
	}
	for i := range params {
		params[i].Weight /= sum
	}
}

// defaultParameters is the deterministic fallback set. Weights sum to 1.0.
func defaultParameters(analysisID string) []analysis.Parameter {
	defs := []struct {
		name, description string
		weight            float64
	}{
		{"Feature Completeness", "Breadth and depth of the product's capability set", 0.15},
		{"Ease of Use", "Learning curve and day-to-day usability", 0.12},
		{"Pricing Value", "Value delivered relative to price", 0.12},
		{"Performance", "Speed and reliability under normal load", 0.10},
		{"Integrations", "Quality and breadth of third-party integrations", 0.10},
		{"Security & Compliance", "Data protection posture and certifications", 0.10},
		{"Customer Support", "Responsiveness and quality of support channels", 0.08},
		{"Scalability", "Ability to grow with team and data size", 0.08},
		{"Customization", "Configurability and extensibility", 0.08},
		{"Market Maturity", "Track record and ecosystem maturity", 0.07},
	}
	params := make([]analysis.Parameter, len(defs))
	for i, d := range defs {
		params[i] = analysis.Parameter{
			ID:          uuid.NewString(),
			AnalysisID:  analysisID,
			Name:        d.name,
			Description: d.description,
			Weight:      d.weight,
			Position:    i,
		}
	}
	return params
}

// scoreEntities fans out one batched scoring call per entity under the
// concurrency cap. A failed call defaults every cell of that entity to 5.0;
// store failures are fatal.
func (p *Pipeline) scoreEntities(ctx context.Context, a *analysis.Analysis, params []analysis.Parameter, entities []scoringEntity) error {
	total := len(params) * len(entities)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		scored     int
		lastMarker int
		firstErr   error
	)

	for _, e := range entities {
		wg.Add(1)
		go func(e scoringEntity) {
			defer wg.Done()
			if err := p.sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			scores := p.scoreOne(ctx, a, params, e)
			p.sem.Release(1)

			mu.Lock()
			defer mu.Unlock()
			if firstErr != nil {
				return
			}
			if err := p.store.InsertScores(scores); err != nil {
				firstErr = fmt.Errorf("insert scores for %s: %w", e.name, err)
				return
			}
			scored += len(scores)
			if scored/progressMarkerEvery > lastMarker/progressMarkerEvery && scored < total {
				lastMarker = scored
				if err := p.setStage(a.ID, MatrixProgress{Scored: scored, Total: total}.Marker()); err != nil {
					firstErr = err
				}
			}
		}(e)
	}
	wg.Wait()
	return firstErr
}

// scoreOne sends all parameters in a single call and matches the answers back
// by case-insensitive parameter name. Every parameter gets a row: missing or
// unmatched ones default to 5.0, all scores clamp into [0,10].
func (p *Pipeline) scoreOne(ctx context.Context, a *analysis.Analysis, params []analysis.Parameter, e scoringEntity) []analysis.MatrixScore {
	description := e.description
	if e.competitorID == nil {
		description = fmt.Sprintf("%s (the user's own app, pre-launch). Target audience: %s.", description, a.Audience)
	}

	var resp entityScoreResponse
	if err := p.llm.Complete(ctx, "score_entity", systemPrompt,
		fmt.Sprintf(scoringPromptTemplate, e.name, description, formatParameterList(params)), &resp); err != nil {
		log.Printf("rivalscope scoring_failed analysis=%s entity=%q err=%q fallback=midpoint", a.ID, e.name, err.Error())
		resp.Scores = nil
	}

	byName := make(map[string]int, len(resp.Scores))
	for i, s := range resp.Scores {
		byName[strings.ToLower(strings.TrimSpace(s.Parameter))] = i
	}

	scores := make([]analysis.MatrixScore, len(params))
	for i, param := range params {
		score, reasoning := 5.0, defaultScoreReasoning
		if j, ok := byName[strings.ToLower(param.Name)]; ok {
			score = clamp(resp.Scores[j].Score, 0, 10)
			reasoning = resp.Scores[j].Reasoning
		}
		scores[i] = analysis.MatrixScore{
			ID:           uuid.NewString(),
			AnalysisID:   a.ID,
			ParameterID:  param.ID,
			CompetitorID: e.competitorID,
			Score:        score,
			Reasoning:    reasoning,
		}
	}
	return scores
}

func formatGroupSummary(a *analysis.Analysis, groups []analysis.FeatureGroup) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s for %s: %s\nCapabilities in play:\n", a.AppName, a.Audience, a.Description)
	for _, g := range groups {
		fmt.Fprintf(&sb, "- %s", g.Name)
		if g.Description != "" {
			fmt.Fprintf(&sb, ": %s", g.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatParameterList(params []analysis.Parameter) string {
	var sb strings.Builder
	for _, p := range params {
		fmt.Fprintf(&sb, "- %s: %s\n", p.Name, p.Description)
	}
	return sb.String()
}
