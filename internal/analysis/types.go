package analysis

import "time"

// Status is the lifecycle state of an analysis, polled by clients.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type CompetitorType string

const (
	CompetitorDirect   CompetitorType = "direct"
	CompetitorIndirect CompetitorType = "indirect"
)

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

type GapKind string

const (
	GapDeficit  GapKind = "deficit"
	GapStandout GapKind = "standout"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type OpportunityLevel string

const (
	OpportunityLow    OpportunityLevel = "low"
	OpportunityMedium OpportunityLevel = "medium"
	OpportunityHigh   OpportunityLevel = "high"
)

type DifficultyLevel string

const (
	DifficultyLow    DifficultyLevel = "low"
	DifficultyMedium DifficultyLevel = "medium"
	DifficultyHigh   DifficultyLevel = "high"
)

type PersonaType string

const (
	PersonaPriceSensitive PersonaType = "price_sensitive"
	PersonaPowerUser      PersonaType = "power_user"
	PersonaCorporateBuyer PersonaType = "corporate_buyer"
)

// PersonaTypes is the fixed set generated for every analysis, in storage order.
var PersonaTypes = []PersonaType{PersonaPriceSensitive, PersonaPowerUser, PersonaCorporateBuyer}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Analysis is the root aggregate. Stage is a free-form marker string owned by
// the pipeline package; the store treats it as opaque.
type Analysis struct {
	ID           string    `json:"id"`
	AppName      string    `json:"app_name"`
	Audience     string    `json:"audience"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Stage        string    `json:"stage"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type UserFeature struct {
	ID                string    `json:"id"`
	AnalysisID        string    `json:"analysis_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Position          int       `json:"position"`
	GroupID           *string   `json:"normalized_group_id,omitempty"`
	Priority          *Priority `json:"priority,omitempty"`
	PriorityReasoning *string   `json:"priority_reasoning,omitempty"`
}

type Competitor struct {
	ID             string         `json:"id"`
	AnalysisID     string         `json:"analysis_id"`
	Name           string         `json:"name"`
	Type           CompetitorType `json:"type"`
	Description    string         `json:"description"`
	Website        *string        `json:"website,omitempty"`
	MarketPosition *string        `json:"market_position,omitempty"`
	PricingModel   *string        `json:"pricing_model,omitempty"`
	FoundedYear    *int           `json:"founded_year,omitempty"`
	Position       int            `json:"position"`
}

type CompetitorFeature struct {
	ID           string  `json:"id"`
	AnalysisID   string  `json:"analysis_id"`
	CompetitorID string  `json:"competitor_id"`
	Name         string  `json:"name"`
	Description  string  `json:"description,omitempty"`
	Category     string  `json:"category,omitempty"`
	Paid         bool    `json:"paid"`
	GroupID      *string `json:"normalized_group_id,omitempty"`
}

// FeatureGroup is one canonical cluster of semantically equivalent features.
type FeatureGroup struct {
	ID          string `json:"id"`
	AnalysisID  string `json:"analysis_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Parameter struct {
	ID          string  `json:"id"`
	AnalysisID  string  `json:"analysis_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Position    int     `json:"position"`
}

// MatrixScore holds one cell of the comparison matrix. CompetitorID nil means
// the user's own app.
type MatrixScore struct {
	ID           string  `json:"id"`
	AnalysisID   string  `json:"analysis_id"`
	ParameterID  string  `json:"parameter_id"`
	CompetitorID *string `json:"competitor_id,omitempty"`
	Score        float64 `json:"score"`
	Reasoning    string  `json:"reasoning"`
}

// GapItem is a tagged variant: deficits carry Severity and the competitors
// that have the capability; standouts carry an opportunity score on 0-100.
type GapItem struct {
	ID               string    `json:"id"`
	AnalysisID       string    `json:"analysis_id"`
	Kind             GapKind   `json:"kind"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Severity         *Severity `json:"severity,omitempty"`
	Competitors      []string  `json:"competitors,omitempty"`
	OpportunityScore *int      `json:"opportunity_score,omitempty"`
}

type BlueOcean struct {
	ID          string           `json:"id"`
	AnalysisID  string           `json:"analysis_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Opportunity OpportunityLevel `json:"opportunity"`
	Difficulty  DifficultyLevel  `json:"difficulty"`
}

type Persona struct {
	ID           string      `json:"id"`
	AnalysisID   string      `json:"analysis_id"`
	Type         PersonaType `json:"type"`
	Name         string      `json:"name"`
	Profile      string      `json:"profile"`
	SystemPrompt string      `json:"system_prompt"`
}

// PersonaMessage is one entry of a persona's ordered, append-only chat log.
type PersonaMessage struct {
	ID        string    `json:"id"`
	PersonaID string    `json:"persona_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

type Review struct {
	ID         string    `json:"id"`
	AnalysisID string    `json:"analysis_id"`
	Author     string    `json:"author"`
	Rating     int       `json:"rating"`
	Sentiment  Sentiment `json:"sentiment"`
	Body       string    `json:"body"`
	Highlights []string  `json:"highlights,omitempty"`
	PainPoints []string  `json:"pain_points,omitempty"`
}

// Positioning holds the value/complexity placement of one entity.
// CompetitorID nil means the user's own app. Quadrant is derived by the
// pipeline, never model-authored.
type Positioning struct {
	ID           string  `json:"id"`
	AnalysisID   string  `json:"analysis_id"`
	CompetitorID *string `json:"competitor_id,omitempty"`
	EntityName   string  `json:"entity_name"`
	Value        float64 `json:"value_score"`
	Complexity   float64 `json:"complexity_score"`
	Quadrant     string  `json:"quadrant"`
}

type MarketIntelligence struct {
	ID              string   `json:"id"`
	AnalysisID      string   `json:"analysis_id"`
	Summary         string   `json:"summary"`
	MarketOverview  string   `json:"market_overview"`
	Trends          []string `json:"trends,omitempty"`
	Barriers        []string `json:"barriers,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Outlook         string   `json:"outlook"`
}
