package analysis

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an analysis (or child row) does not exist.
var ErrNotFound = errors.New("analysis: not found")

// Store persists the analysis aggregate and all of its child entities in
// SQLite. Child rows are keyed on analysis_id; deletes happen leaf-first in a
// single transaction so a half-reset state is never observable.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS analyses (
	id            TEXT PRIMARY KEY,
	app_name      TEXT NOT NULL,
	audience      TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'processing',
	stage         TEXT NOT NULL DEFAULT '',
	error_message TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_features (
	id                 TEXT PRIMARY KEY,
	analysis_id        TEXT NOT NULL,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	position           INTEGER NOT NULL DEFAULT 0,
	group_id           TEXT,
	priority           TEXT,
	priority_reasoning TEXT
);
CREATE INDEX IF NOT EXISTS idx_user_features_analysis ON user_features(analysis_id);

CREATE TABLE IF NOT EXISTS competitors (
	id              TEXT PRIMARY KEY,
	analysis_id     TEXT NOT NULL,
	name            TEXT NOT NULL,
	type            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	website         TEXT,
	market_position TEXT,
	pricing_model   TEXT,
	founded_year    INTEGER,
	position        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_competitors_analysis ON competitors(analysis_id);

CREATE TABLE IF NOT EXISTS competitor_features (
	id            TEXT PRIMARY KEY,
	analysis_id   TEXT NOT NULL,
	competitor_id TEXT NOT NULL,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	category      TEXT NOT NULL DEFAULT '',
	paid          INTEGER NOT NULL DEFAULT 0,
	group_id      TEXT
);
CREATE INDEX IF NOT EXISTS idx_competitor_features_analysis ON competitor_features(analysis_id);

CREATE TABLE IF NOT EXISTS feature_groups (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_feature_groups_analysis ON feature_groups(analysis_id);

CREATE TABLE IF NOT EXISTS comparison_parameters (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	weight      REAL NOT NULL,
	position    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_parameters_analysis ON comparison_parameters(analysis_id);

CREATE TABLE IF NOT EXISTS matrix_scores (
	id            TEXT PRIMARY KEY,
	analysis_id   TEXT NOT NULL,
	parameter_id  TEXT NOT NULL,
	competitor_id TEXT,
	score         REAL NOT NULL,
	reasoning     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_scores_analysis ON matrix_scores(analysis_id);

CREATE TABLE IF NOT EXISTS gap_items (
	id                TEXT PRIMARY KEY,
	analysis_id       TEXT NOT NULL,
	kind              TEXT NOT NULL,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	severity          TEXT,
	competitors       TEXT NOT NULL DEFAULT '[]',
	opportunity_score INTEGER
);
CREATE INDEX IF NOT EXISTS idx_gap_items_analysis ON gap_items(analysis_id);

CREATE TABLE IF NOT EXISTS blue_ocean (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL UNIQUE,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	opportunity TEXT NOT NULL,
	difficulty  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS personas (
	id            TEXT PRIMARY KEY,
	analysis_id   TEXT NOT NULL,
	type          TEXT NOT NULL,
	name          TEXT NOT NULL,
	profile       TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_personas_analysis ON personas(analysis_id);

CREATE TABLE IF NOT EXISTS persona_messages (
	id         TEXT PRIMARY KEY,
	persona_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	position   INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_persona_messages_persona ON persona_messages(persona_id);

CREATE TABLE IF NOT EXISTS reviews (
	id          TEXT PRIMARY KEY,
	analysis_id TEXT NOT NULL,
	author      TEXT NOT NULL DEFAULT '',
	rating      INTEGER NOT NULL,
	sentiment   TEXT NOT NULL,
	body        TEXT NOT NULL DEFAULT '',
	highlights  TEXT NOT NULL DEFAULT '[]',
	pain_points TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_reviews_analysis ON reviews(analysis_id);

CREATE TABLE IF NOT EXISTS positioning (
	id            TEXT PRIMARY KEY,
	analysis_id   TEXT NOT NULL,
	competitor_id TEXT,
	entity_name   TEXT NOT NULL,
	value_score   REAL NOT NULL,
	complexity    REAL NOT NULL,
	quadrant      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positioning_analysis ON positioning(analysis_id);

CREATE TABLE IF NOT EXISTS market_intelligence (
	id              TEXT PRIMARY KEY,
	analysis_id     TEXT NOT NULL UNIQUE,
	summary         TEXT NOT NULL DEFAULT '',
	market_overview TEXT NOT NULL DEFAULT '',
	trends          TEXT NOT NULL DEFAULT '[]',
	barriers        TEXT NOT NULL DEFAULT '[]',
	recommendations TEXT NOT NULL DEFAULT '[]',
	outlook         TEXT NOT NULL DEFAULT ''
);
`

func NewStore(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func timeToString(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(v), &out)
	return out
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

// --- analysis lifecycle ---

// CreateAnalysis inserts the root record and its declared user features in one
// transaction. The analysis starts in processing with the caller's stage marker.
func (s *Store) CreateAnalysis(a *Analysis, features []UserFeature) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = StatusProcessing
	}
	if _, err := tx.Exec(`INSERT INTO analyses (id, app_name, audience, description, status, stage, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AppName, a.Audience, a.Description, string(a.Status), a.Stage, nullString(a.ErrorMessage),
		timeToString(a.CreatedAt), timeToString(a.UpdatedAt)); err != nil {
		return err
	}
	for _, f := range features {
		if _, err := tx.Exec(`INSERT INTO user_features (id, analysis_id, name, description, position, group_id, priority, priority_reasoning)
			VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL)`,
			f.ID, a.ID, f.Name, f.Description, f.Position); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetAnalysis(id string) (*Analysis, error) {
	row := s.db.QueryRow(`SELECT id, app_name, audience, description, status, stage, error_message, created_at, updated_at
		FROM analyses WHERE id = ?`, id)
	var a Analysis
	var status, createdAt, updatedAt string
	var errMsg sql.NullString
	if err := row.Scan(&a.ID, &a.AppName, &a.Audience, &a.Description, &status, &a.Stage, &errMsg, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Status = Status(status)
	a.ErrorMessage = fromNullString(errMsg)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// SetStage advances the persisted stage marker. Stage side effects must be
// committed before this is called so pollers never observe a marker ahead of
// the data.
func (s *Store) SetStage(id, stage string) error {
	return s.touch(id, `UPDATE analyses SET stage = ?, updated_at = ? WHERE id = ?`, stage)
}

func (s *Store) MarkFailed(id, message string) error {
	res, err := s.db.Exec(`UPDATE analyses SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(StatusFailed), message, timeToString(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkCompleted(id string) error {
	res, err := s.db.Exec(`UPDATE analyses SET status = ?, error_message = NULL, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), timeToString(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) touch(id, query, value string) error {
	res, err := s.db.Exec(query, value, timeToString(time.Now()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- user features ---

func (s *Store) ListUserFeatures(analysisID string) ([]UserFeature, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, name, description, position, group_id, priority, priority_reasoning
		FROM user_features WHERE analysis_id = ? ORDER BY position, id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserFeature
	for rows.Next() {
		var f UserFeature
		var groupID, priority, reasoning sql.NullString
		if err := rows.Scan(&f.ID, &f.AnalysisID, &f.Name, &f.Description, &f.Position, &groupID, &priority, &reasoning); err != nil {
			return nil, err
		}
		f.GroupID = fromNullString(groupID)
		if priority.Valid {
			p := Priority(priority.String)
			f.Priority = &p
		}
		f.PriorityReasoning = fromNullString(reasoning)
		out = append(out, f)
	}
	return out, rows.Err()
}

// PriorityAssignment pairs a priority with its reasoning for one user feature.
type PriorityAssignment struct {
	Priority  Priority
	Reasoning string
}

func (s *Store) SetFeaturePriorities(analysisID string, assignments map[string]PriorityAssignment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for featureID, a := range assignments {
		if _, err := tx.Exec(`UPDATE user_features SET priority = ?, priority_reasoning = ? WHERE id = ? AND analysis_id = ?`,
			string(a.Priority), a.Reasoning, featureID, analysisID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- competitors ---

func (s *Store) InsertCompetitors(competitors []Competitor, features []CompetitorFeature) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range competitors {
		if _, err := tx.Exec(`INSERT INTO competitors (id, analysis_id, name, type, description, website, market_position, pricing_model, founded_year, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.AnalysisID, c.Name, string(c.Type), c.Description,
			nullString(c.Website), nullString(c.MarketPosition), nullString(c.PricingModel), nullInt(c.FoundedYear), c.Position); err != nil {
			return err
		}
	}
	for _, f := range features {
		if _, err := tx.Exec(`INSERT INTO competitor_features (id, analysis_id, competitor_id, name, description, category, paid, group_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
			f.ID, f.AnalysisID, f.CompetitorID, f.Name, f.Description, f.Category, boolToInt(f.Paid)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) ListCompetitors(analysisID string) ([]Competitor, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, name, type, description, website, market_position, pricing_model, founded_year, position
		FROM competitors WHERE analysis_id = ? ORDER BY position, id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Competitor
	for rows.Next() {
		var c Competitor
		var typ string
		var website, position, pricing sql.NullString
		var founded sql.NullInt64
		if err := rows.Scan(&c.ID, &c.AnalysisID, &c.Name, &typ, &c.Description, &website, &position, &pricing, &founded, &c.Position); err != nil {
			return nil, err
		}
		c.Type = CompetitorType(typ)
		c.Website = fromNullString(website)
		c.MarketPosition = fromNullString(position)
		c.PricingModel = fromNullString(pricing)
		c.FoundedYear = fromNullInt(founded)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListCompetitorFeatures(analysisID string) ([]CompetitorFeature, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, competitor_id, name, description, category, paid, group_id
		FROM competitor_features WHERE analysis_id = ? ORDER BY competitor_id, id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CompetitorFeature
	for rows.Next() {
		var f CompetitorFeature
		var paid int
		var groupID sql.NullString
		if err := rows.Scan(&f.ID, &f.AnalysisID, &f.CompetitorID, &f.Name, &f.Description, &f.Category, &paid, &groupID); err != nil {
			return nil, err
		}
		f.Paid = paid != 0
		f.GroupID = fromNullString(groupID)
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- normalization ---

// SaveNormalization writes the canonical groups and every feature→group link
// in one transaction, so the partition is either fully persisted or not at all.
func (s *Store) SaveNormalization(analysisID string, groups []FeatureGroup, userAssignments, competitorAssignments map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, g := range groups {
		if _, err := tx.Exec(`INSERT INTO feature_groups (id, analysis_id, name, description) VALUES (?, ?, ?, ?)`,
			g.ID, analysisID, g.Name, g.Description); err != nil {
			return err
		}
	}
	for featureID, groupID := range userAssignments {
		if _, err := tx.Exec(`UPDATE user_features SET group_id = ? WHERE id = ? AND analysis_id = ?`,
			groupID, featureID, analysisID); err != nil {
			return err
		}
	}
	for featureID, groupID := range competitorAssignments {
		if _, err := tx.Exec(`UPDATE competitor_features SET group_id = ? WHERE id = ? AND analysis_id = ?`,
			groupID, featureID, analysisID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListFeatureGroups(analysisID string) ([]FeatureGroup, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, name, description FROM feature_groups WHERE analysis_id = ? ORDER BY id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeatureGroup
	for rows.Next() {
		var g FeatureGroup
		if err := rows.Scan(&g.ID, &g.AnalysisID, &g.Name, &g.Description); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- comparison matrix ---

func (s *Store) InsertParameters(params []Parameter) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range params {
		if _, err := tx.Exec(`INSERT INTO comparison_parameters (id, analysis_id, name, description, weight, position)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.AnalysisID, p.Name, p.Description, p.Weight, p.Position); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListParameters(analysisID string) ([]Parameter, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, name, description, weight, position
		FROM comparison_parameters WHERE analysis_id = ? ORDER BY position, id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Parameter
	for rows.Next() {
		var p Parameter
		if err := rows.Scan(&p.ID, &p.AnalysisID, &p.Name, &p.Description, &p.Weight, &p.Position); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertScores(scores []MatrixScore) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, sc := range scores {
		if _, err := tx.Exec(`INSERT INTO matrix_scores (id, analysis_id, parameter_id, competitor_id, score, reasoning)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sc.ID, sc.AnalysisID, sc.ParameterID, nullString(sc.CompetitorID), sc.Score, sc.Reasoning); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListScores(analysisID string) ([]MatrixScore, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, parameter_id, competitor_id, score, reasoning
		FROM matrix_scores WHERE analysis_id = ? ORDER BY parameter_id, id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MatrixScore
	for rows.Next() {
		var sc MatrixScore
		var competitorID sql.NullString
		if err := rows.Scan(&sc.ID, &sc.AnalysisID, &sc.ParameterID, &competitorID, &sc.Score, &sc.Reasoning); err != nil {
			return nil, err
		}
		sc.CompetitorID = fromNullString(competitorID)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) CountScores(analysisID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM matrix_scores WHERE analysis_id = ?`, analysisID).Scan(&n)
	return n, err
}

// --- gaps ---

func (s *Store) InsertGapItems(items []GapItem) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, g := range items {
		var severity sql.NullString
		if g.Severity != nil {
			severity = sql.NullString{String: string(*g.Severity), Valid: true}
		}
		if _, err := tx.Exec(`INSERT INTO gap_items (id, analysis_id, kind, title, description, severity, competitors, opportunity_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.AnalysisID, string(g.Kind), g.Title, g.Description, severity, marshalStrings(g.Competitors), nullInt(g.OpportunityScore)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListGapItems(analysisID string) ([]GapItem, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, kind, title, description, severity, competitors, opportunity_score
		FROM gap_items WHERE analysis_id = ? ORDER BY kind, id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GapItem
	for rows.Next() {
		var g GapItem
		var kind, competitors string
		var severity sql.NullString
		var opportunity sql.NullInt64
		if err := rows.Scan(&g.ID, &g.AnalysisID, &kind, &g.Title, &g.Description, &severity, &competitors, &opportunity); err != nil {
			return nil, err
		}
		g.Kind = GapKind(kind)
		if severity.Valid {
			sv := Severity(severity.String)
			g.Severity = &sv
		}
		g.Competitors = unmarshalStrings(competitors)
		g.OpportunityScore = fromNullInt(opportunity)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) InsertBlueOcean(b BlueOcean) error {
	_, err := s.db.Exec(`INSERT INTO blue_ocean (id, analysis_id, title, description, opportunity, difficulty)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.AnalysisID, b.Title, b.Description, string(b.Opportunity), string(b.Difficulty))
	return err
}

func (s *Store) GetBlueOcean(analysisID string) (*BlueOcean, error) {
	row := s.db.QueryRow(`SELECT id, analysis_id, title, description, opportunity, difficulty
		FROM blue_ocean WHERE analysis_id = ?`, analysisID)
	var b BlueOcean
	var opp, diff string
	if err := row.Scan(&b.ID, &b.AnalysisID, &b.Title, &b.Description, &opp, &diff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Opportunity = OpportunityLevel(opp)
	b.Difficulty = DifficultyLevel(diff)
	return &b, nil
}

// --- personas and reviews ---

func (s *Store) InsertPersonas(personas []Persona) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range personas {
		if _, err := tx.Exec(`INSERT INTO personas (id, analysis_id, type, name, profile, system_prompt)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.AnalysisID, string(p.Type), p.Name, p.Profile, p.SystemPrompt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPersonas(analysisID string) ([]Persona, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, type, name, profile, system_prompt
		FROM personas WHERE analysis_id = ? ORDER BY id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Persona
	for rows.Next() {
		var p Persona
		var typ string
		if err := rows.Scan(&p.ID, &p.AnalysisID, &typ, &p.Name, &p.Profile, &p.SystemPrompt); err != nil {
			return nil, err
		}
		p.Type = PersonaType(typ)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetPersona(personaID string) (*Persona, error) {
	row := s.db.QueryRow(`SELECT id, analysis_id, type, name, profile, system_prompt FROM personas WHERE id = ?`, personaID)
	var p Persona
	var typ string
	if err := row.Scan(&p.ID, &p.AnalysisID, &typ, &p.Name, &p.Profile, &p.SystemPrompt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Type = PersonaType(typ)
	return &p, nil
}

// AppendPersonaMessage appends to the persona's chat log at the next position.
func (s *Store) AppendPersonaMessage(m PersonaMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(position)+1, 0) FROM persona_messages WHERE persona_id = ?`, m.PersonaID).Scan(&next); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if _, err := tx.Exec(`INSERT INTO persona_messages (id, persona_id, role, content, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.PersonaID, m.Role, m.Content, next, timeToString(m.CreatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListPersonaMessages(personaID string) ([]PersonaMessage, error) {
	rows, err := s.db.Query(`SELECT id, persona_id, role, content, position, created_at
		FROM persona_messages WHERE persona_id = ? ORDER BY position`, personaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PersonaMessage
	for rows.Next() {
		var m PersonaMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.Role, &m.Content, &m.Position, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertReviews(reviews []Review) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range reviews {
		if _, err := tx.Exec(`INSERT INTO reviews (id, analysis_id, author, rating, sentiment, body, highlights, pain_points)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.AnalysisID, r.Author, r.Rating, string(r.Sentiment), r.Body,
			marshalStrings(r.Highlights), marshalStrings(r.PainPoints)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListReviews(analysisID string) ([]Review, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, author, rating, sentiment, body, highlights, pain_points
		FROM reviews WHERE analysis_id = ? ORDER BY id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Review
	for rows.Next() {
		var r Review
		var sentiment, highlights, painPoints string
		if err := rows.Scan(&r.ID, &r.AnalysisID, &r.Author, &r.Rating, &sentiment, &r.Body, &highlights, &painPoints); err != nil {
			return nil, err
		}
		r.Sentiment = Sentiment(sentiment)
		r.Highlights = unmarshalStrings(highlights)
		r.PainPoints = unmarshalStrings(painPoints)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- positioning and intelligence ---

func (s *Store) InsertPositioning(rows []Positioning) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range rows {
		if _, err := tx.Exec(`INSERT INTO positioning (id, analysis_id, competitor_id, entity_name, value_score, complexity, quadrant)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.AnalysisID, nullString(p.CompetitorID), p.EntityName, p.Value, p.Complexity, p.Quadrant); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPositioning(analysisID string) ([]Positioning, error) {
	rows, err := s.db.Query(`SELECT id, analysis_id, competitor_id, entity_name, value_score, complexity, quadrant
		FROM positioning WHERE analysis_id = ? ORDER BY id`, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Positioning
	for rows.Next() {
		var p Positioning
		var competitorID sql.NullString
		if err := rows.Scan(&p.ID, &p.AnalysisID, &competitorID, &p.EntityName, &p.Value, &p.Complexity, &p.Quadrant); err != nil {
			return nil, err
		}
		p.CompetitorID = fromNullString(competitorID)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertMarketIntelligence(mi MarketIntelligence) error {
	_, err := s.db.Exec(`INSERT INTO market_intelligence (id, analysis_id, summary, market_overview, trends, barriers, recommendations, outlook)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mi.ID, mi.AnalysisID, mi.Summary, mi.MarketOverview,
		marshalStrings(mi.Trends), marshalStrings(mi.Barriers), marshalStrings(mi.Recommendations), mi.Outlook)
	return err
}

func (s *Store) GetMarketIntelligence(analysisID string) (*MarketIntelligence, error) {
	row := s.db.QueryRow(`SELECT id, analysis_id, summary, market_overview, trends, barriers, recommendations, outlook
		FROM market_intelligence WHERE analysis_id = ?`, analysisID)
	var mi MarketIntelligence
	var trends, barriers, recs string
	if err := row.Scan(&mi.ID, &mi.AnalysisID, &mi.Summary, &mi.MarketOverview, &trends, &barriers, &recs, &mi.Outlook); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	mi.Trends = unmarshalStrings(trends)
	mi.Barriers = unmarshalStrings(barriers)
	mi.Recommendations = unmarshalStrings(recs)
	return &mi, nil
}

// --- rerun / reset ---

// childTables lists every child table in leaf-first delete order. Persona
// messages reference personas, so they go first; everything else hangs off
// analysis_id directly.
var childTables = []string{
	"matrix_scores",
	"comparison_parameters",
	"competitor_features",
	"competitors",
	"gap_items",
	"blue_ocean",
	"reviews",
	"positioning",
	"market_intelligence",
	"feature_groups",
	"personas",
}

// ResetForRerun wipes every child entity, resets user features in place
// (priority, reasoning, and group link nulled), and rewinds the analysis to
// processing at the given stage marker. All-or-nothing: any failure rolls the
// whole reset back. Returns ErrNotFound for unknown IDs and an error when the
// analysis is still processing (rerun is not allowed mid-flight).
func (s *Store) ResetForRerun(id, stage string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRow(`SELECT status FROM analyses WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if Status(status) == StatusProcessing {
		return fmt.Errorf("analysis %s is still processing", id)
	}

	if _, err := tx.Exec(`DELETE FROM persona_messages WHERE persona_id IN (SELECT id FROM personas WHERE analysis_id = ?)`, id); err != nil {
		return err
	}
	for _, table := range childTables {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE analysis_id = ?`, id); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`UPDATE user_features SET group_id = NULL, priority = NULL, priority_reasoning = NULL WHERE analysis_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE analyses SET status = ?, stage = ?, error_message = NULL, updated_at = ? WHERE id = ?`,
		string(StatusProcessing), stage, timeToString(time.Now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// EntityCounts reports per-table row counts for one analysis. Used by the
// rerun-idempotence checks and the status surface.
func (s *Store) EntityCounts(analysisID string) (map[string]int, error) {
	out := map[string]int{}
	tables := append([]string{"user_features"}, childTables...)
	for _, table := range tables {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE analysis_id = ?`, analysisID).Scan(&n); err != nil {
			return nil, err
		}
		out[table] = n
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM persona_messages WHERE persona_id IN (SELECT id FROM personas WHERE analysis_id = ?)`, analysisID).Scan(&n); err != nil {
		return nil, err
	}
	out["persona_messages"] = n
	return out, nil
}
