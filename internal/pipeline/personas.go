package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const personasPromptTemplate = `Create three buyer personas evaluating %s (%s, for %s).

One persona per type:
- price_sensitive: budget-driven, compares against free and cheap alternatives
- power_user: depth-driven, pushes every feature to its limit
- corporate_buyer: procurement-driven, cares about security, compliance, and support

Each persona needs a realistic name, a short profile, and a system prompt that makes a chat model role-play the persona in first person.

Required JSON schema:
{
  "personas": [
    {"type": "price_sensitive" | "power_user" | "corporate_buyer", "name": "string", "profile": "string", "system_prompt": "string"}
  ]
}`

const reviewsPromptTemplate = `Write 4 to 6 plausible early-adopter reviews of %s (%s, for %s), as if the planned features shipped.

Planned features:
%s

Mix sentiments realistically. Reference concrete features.

Required JSON schema:
{
  "reviews": [
    {"author": "first name + last initial", "rating": 1-5, "sentiment": "positive" | "neutral" | "negative", "body": "2-4 sentences", "highlights": ["liked features"], "pain_points": ["disliked aspects"]}
  ]
}`

type personasResponse struct {
	Personas []struct {
		Type         string `json:"type"`
		Name         string `json:"name"`
		Profile      string `json:"profile"`
		SystemPrompt string `json:"system_prompt"`
	} `json:"personas"`
}

type reviewsResponse struct {
	Reviews []struct {
		Author     string   `json:"author"`
		Rating     int      `json:"rating"`
		Sentiment  string   `json:"sentiment"`
		Body       string   `json:"body"`
		Highlights []string `json:"highlights"`
		PainPoints []string `json:"pain_points"`
	} `json:"reviews"`
}

// runPersonas generates exactly one persona per fixed type plus a batch of
// synthetic reviews. A missing or failed persona degrades to the hardcoded
// default for its type; review failure degrades to zero reviews.
func (p *Pipeline) runPersonas(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StagePersonas); err != nil {
		return err
	}

	personas := p.generatePersonas(ctx, a)
	if err := p.store.InsertPersonas(personas); err != nil {
		return fmt.Errorf("insert personas: %w", err)
	}

	features, err := p.store.ListUserFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list user features: %w", err)
	}
	reviews := p.generateReviews(ctx, a, features)
	if err := p.store.InsertReviews(reviews); err != nil {
		return fmt.Errorf("insert reviews: %w", err)
	}

	log.Printf("rivalscope personas_done analysis=%s personas=%d reviews=%d", a.ID, len(personas), len(reviews))
	return p.setStage(a.ID, StagePersonasComplete)
}

func (p *Pipeline) generatePersonas(ctx context.Context, a *analysis.Analysis) []analysis.Persona {
	var resp personasResponse
	if err := p.llm.Complete(ctx, "generate_personas", systemPrompt,
		fmt.Sprintf(personasPromptTemplate, a.AppName, a.Description, a.Audience), &resp); err != nil {
		log.Printf("rivalscope personas_failed analysis=%s err=%q fallback=defaults", a.ID, err.Error())
		resp.Personas = nil
	}

	byType := map[analysis.PersonaType]analysis.Persona{}
	for _, raw := range resp.Personas {
		t := analysis.PersonaType(strings.ToLower(strings.TrimSpace(raw.Type)))
		if _, seen := byType[t]; seen || strings.TrimSpace(raw.Name) == "" {
			continue
		}
		switch t {
		case analysis.PersonaPriceSensitive, analysis.PersonaPowerUser, analysis.PersonaCorporateBuyer:
			byType[t] = analysis.Persona{
				ID:           uuid.NewString(),
				AnalysisID:   a.ID,
				Type:         t,
				Name:         strings.TrimSpace(raw.Name),
				Profile:      raw.Profile,
				SystemPrompt: raw.SystemPrompt,
			}
		}
	}

	personas := make([]analysis.Persona, 0, len(analysis.PersonaTypes))
	for _, t := range analysis.PersonaTypes {
		persona, ok := byType[t]
		if !ok {
			persona = defaultPersona(a, t)
		}
		personas = append(personas, persona)
	}
	return personas
}

func defaultPersona(a *analysis.Analysis, t analysis.PersonaType) analysis.Persona {
	persona := analysis.Persona{ID: uuid.NewString(), AnalysisID: a.ID, Type: t}
	switch t {
	case analysis.PersonaPriceSensitive:
		persona.Name = "Priya K."
		persona.Profile = "Budget-conscious early adopter who compares every tool against free alternatives before paying."
		persona.SystemPrompt = fmt.Sprintf("You are Priya, a budget-conscious member of %s evaluating %s. You push back on pricing, ask what the free tier includes, and compare against cheaper alternatives. Answer in first person.", a.Audience, a.AppName)
	case analysis.PersonaPowerUser:
		persona.Name = "Marcus T."
		persona.Profile = "Power user who adopts tools early, stress-tests advanced features, and abandons anything shallow."
		persona.SystemPrompt = fmt.Sprintf("You are Marcus, a power user from %s evaluating %s. You probe advanced functionality, keyboard shortcuts, APIs, and edge cases. Answer in first person.", a.Audience, a.AppName)
	case analysis.PersonaCorporateBuyer:
		persona.Name = "Diane R."
		persona.Profile = "Procurement lead who evaluates vendors on security, compliance, support SLAs, and total cost of ownership."
		persona.SystemPrompt = fmt.Sprintf("You are Diane, a corporate procurement lead considering %s for a team within %s. You ask about security certifications, admin controls, support SLAs, and contract terms. Answer in first person.", a.AppName, a.Audience)
	}
	return persona
}

func (p *Pipeline) generateReviews(ctx context.Context, a *analysis.Analysis, features []analysis.UserFeature) []analysis.Review {
	var resp reviewsResponse
	if err := p.llm.Complete(ctx, "generate_reviews", systemPrompt,
		fmt.Sprintf(reviewsPromptTemplate, a.AppName, a.Description, a.Audience, formatUserFeatures(features)), &resp); err != nil {
		log.Printf("rivalscope reviews_failed analysis=%s err=%q fallback=none", a.ID, err.Error())
		return nil
	}

	var reviews []analysis.Review
	for _, raw := range resp.Reviews {
		if strings.TrimSpace(raw.Body) == "" {
			continue
		}
		rating := raw.Rating
		if rating < 1 {
			rating = 1
		}
		if rating > 5 {
			rating = 5
		}
		reviews = append(reviews, analysis.Review{
			ID:         uuid.NewString(),
			AnalysisID: a.ID,
			Author:     strings.TrimSpace(raw.Author),
			Rating:     rating,
			Sentiment:  parseSentiment(raw.Sentiment),
			Body:       raw.Body,
			Highlights: raw.Highlights,
			PainPoints: raw.PainPoints,
		})
	}
	return reviews
}

func parseSentiment(s string) analysis.Sentiment {
	switch analysis.Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case analysis.SentimentPositive:
		return analysis.SentimentPositive
	case analysis.SentimentNegative:
		return analysis.SentimentNegative
	default:
		return analysis.SentimentNeutral
	}
}
