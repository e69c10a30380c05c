package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const (
	maxDirectCompetitors   = 4
	maxIndirectCompetitors = 2
	maxQueryFeatures       = 5
	maxEnrichedFeatures    = 8
)

const discoverySystemPrompt = "You are a market research assistant with access to current web information. Respond with a single JSON object matching the requested schema exactly. Do not include prose, markdown, or code fences."

const discoveryPromptTemplate = `Identify the competitive landscape for this app idea.

App name: %s
Target audience: %s
Description: %s
Key features: %s

Find exactly 4 direct competitors (same product category) and 2 indirect competitors (different category, same user need).

Required JSON schema:
{
  "competitors": [
    {
      "name": "string",
      "type": "direct" or "indirect",
      "description": "one sentence on what it does",
      "url": "homepage URL or empty string",
      "market_position": "one sentence on market standing",
      "pricing_model": "e.g. freemium, subscription, one-time",
      "founded_year": integer or 0 if unknown
    }
  ]
}`

const discoveryExtractPromptTemplate = `The following text describes competitors for a product but is not valid JSON. Extract every competitor mentioned.

Required JSON schema:
{
  "competitors": [
    {"name": "string", "type": "direct" or "indirect", "description": "string", "url": "string", "market_position": "string", "pricing_model": "string", "founded_year": integer}
  ]
}

Text:
%s`

const enrichmentPromptTemplate = `Profile this competitor of %q for a feature comparison.

Competitor: %s
Type: %s
What it does: %s

Estimate the founded year if commonly known (0 otherwise), refine the market position, and list 5 to 8 of its concrete product features.

Required JSON schema:
{
  "founded_year": integer,
  "market_position": "string",
  "pricing_model": "string",
  "features": [
    {"name": "string", "description": "string", "category": "string", "paid": boolean}
  ]
}`

type discoveredCompetitor struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Description    string `json:"description"`
	URL            string `json:"url"`
	MarketPosition string `json:"market_position"`
	PricingModel   string `json:"pricing_model"`
	FoundedYear    int    `json:"founded_year"`
}

type discoveryResponse struct {
	Competitors []discoveredCompetitor `json:"competitors"`
}

type enrichmentResponse struct {
	FoundedYear    int    `json:"founded_year"`
	MarketPosition string `json:"market_position"`
	PricingModel   string `json:"pricing_model"`
	Features       []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
		Paid        bool   `json:"paid"`
	} `json:"features"`
}

// runDiscovery finds competitors through the search capability, enriches each
// one concurrently, and persists everything in one transaction before the
// marker advances. Discovery failure is never fatal: worst case is zero
// competitors and the pipeline continues user-app-only.
func (p *Pipeline) runDiscovery(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StageCompetitors); err != nil {
		return err
	}

	features, err := p.store.ListUserFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list user features: %w", err)
	}

	discovered := p.discoverCompetitors(ctx, a, features)
	competitors, competitorFeatures := p.enrichCompetitors(ctx, a, discovered)

	if err := p.store.InsertCompetitors(competitors, competitorFeatures); err != nil {
		return fmt.Errorf("insert competitors: %w", err)
	}
	log.Printf("rivalscope discovery_done analysis=%s competitors=%d features=%d",
		a.ID, len(competitors), len(competitorFeatures))
	return p.setStage(a.ID, StageCompetitorsComplete)
}

func (p *Pipeline) discoverCompetitors(ctx context.Context, a *analysis.Analysis, features []analysis.UserFeature) []discoveredCompetitor {
	if p.searcher == nil {
		log.Printf("rivalscope discovery_skipped analysis=%s reason=no_search_capability", a.ID)
		return nil
	}

	names := make([]string, 0, maxQueryFeatures)
	for _, f := range features {
		if len(names) == maxQueryFeatures {
			break
		}
		names = append(names, f.Name)
	}
	prompt := fmt.Sprintf(discoveryPromptTemplate, a.AppName, a.Audience, a.Description, strings.Join(names, ", "))

	raw, err := p.searcher.Search(ctx, discoverySystemPrompt, prompt)
	if err != nil {
		log.Printf("rivalscope discovery_search_failed analysis=%s err=%q", a.ID, err.Error())
		return nil
	}

	var resp discoveryResponse
	if jsonErr := json.Unmarshal([]byte(stripCodeFences(raw)), &resp); jsonErr != nil {
		// The search service answered in prose; re-extract through the
		// completion client.
		log.Printf("rivalscope discovery_reextract analysis=%s response_chars=%d", a.ID, len(raw))
		resp = discoveryResponse{}
		if err := p.llm.Complete(ctx, "discovery_extract", systemPrompt,
			fmt.Sprintf(discoveryExtractPromptTemplate, raw), &resp); err != nil {
			log.Printf("rivalscope discovery_reextract_failed analysis=%s err=%q", a.ID, err.Error())
			return nil
		}
	}
	return filterDiscovered(resp.Competitors)
}

// filterDiscovered drops nameless entries and truncates to at most 4 direct
// and 2 indirect competitors. Unrecognized type strings count as direct.
func filterDiscovered(in []discoveredCompetitor) []discoveredCompetitor {
	var out []discoveredCompetitor
	direct, indirect := 0, 0
	for _, c := range in {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(c.Type), string(analysis.CompetitorIndirect)) {
			if indirect == maxIndirectCompetitors {
				continue
			}
			indirect++
			c.Type = string(analysis.CompetitorIndirect)
		} else {
			if direct == maxDirectCompetitors {
				continue
			}
			direct++
			c.Type = string(analysis.CompetitorDirect)
		}
		out = append(out, c)
	}
	return out
}

// enrichCompetitors fans out one enrichment call per competitor under the
// concurrency cap. A failed enrichment degrades to the discovery-provided
// fields with zero features for that competitor only.
func (p *Pipeline) enrichCompetitors(ctx context.Context, a *analysis.Analysis, discovered []discoveredCompetitor) ([]analysis.Competitor, []analysis.CompetitorFeature) {
	competitors := make([]analysis.Competitor, len(discovered))
	featureSets := make([][]analysis.CompetitorFeature, len(discovered))

	var wg sync.WaitGroup
	for i, d := range discovered {
		competitors[i] = analysis.Competitor{
			ID:          uuid.NewString(),
			AnalysisID:  a.ID,
			Name:        strings.TrimSpace(d.Name),
			Type:        analysis.CompetitorType(d.Type),
			Description: d.Description,
			Position:    i,
		}
		if v := strings.TrimSpace(d.URL); v != "" {
			competitors[i].Website = &v
		}
		if v := strings.TrimSpace(d.MarketPosition); v != "" {
			competitors[i].MarketPosition = &v
		}
		if v := strings.TrimSpace(d.PricingModel); v != "" {
			competitors[i].PricingModel = &v
		}
		if d.FoundedYear > 0 {
			y := d.FoundedYear
			competitors[i].FoundedYear = &y
		}

		wg.Add(1)
		go func(i int, d discoveredCompetitor) {
			defer wg.Done()
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer p.sem.Release(1)
			featureSets[i] = p.enrichOne(ctx, a, &competitors[i], d)
		}(i, d)
	}
	wg.Wait()

	var features []analysis.CompetitorFeature
	for _, fs := range featureSets {
		features = append(features, fs...)
	}
	return competitors, features
}

func (p *Pipeline) enrichOne(ctx context.Context, a *analysis.Analysis, c *analysis.Competitor, d discoveredCompetitor) []analysis.CompetitorFeature {
	prompt := fmt.Sprintf(enrichmentPromptTemplate, a.AppName, c.Name, c.Type, c.Description)
	var resp enrichmentResponse
	if err := p.llm.Complete(ctx, "enrich_competitor", systemPrompt, prompt, &resp); err != nil {
		log.Printf("rivalscope enrichment_failed analysis=%s competitor=%q err=%q", a.ID, c.Name, err.Error())
		return nil
	}

	if c.FoundedYear == nil && resp.FoundedYear > 0 {
		y := resp.FoundedYear
		c.FoundedYear = &y
	}
	if v := strings.TrimSpace(resp.MarketPosition); v != "" {
		c.MarketPosition = &v
	}
	if c.PricingModel == nil {
		if v := strings.TrimSpace(resp.PricingModel); v != "" {
			c.PricingModel = &v
		}
	}

	var features []analysis.CompetitorFeature
	for _, f := range resp.Features {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		if len(features) == maxEnrichedFeatures {
			break
		}
		features = append(features, analysis.CompetitorFeature{
			ID:           uuid.NewString(),
			AnalysisID:   a.ID,
			CompetitorID: c.ID,
			Name:         strings.TrimSpace(f.Name),
			Description:  f.Description,
			Category:     f.Category,
			Paid:         f.Paid,
		})
	}
	return features
}
