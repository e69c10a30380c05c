package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

// fakeCompleter scripts responses per operation name. Unknown operations get
// an empty JSON object, which stages must treat as zero-value results.
type fakeCompleter struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	calls     map[string]int
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{responses: map[string]string{}, calls: map[string]int{}}
}

func (f *fakeCompleter) Complete(_ context.Context, op, _, _ string, out any) error {
	f.mu.Lock()
	f.calls[op]++
	raw, ok := f.responses[op]
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *fakeCompleter) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

type fakeSearcher struct {
	response string
	err      error
}

func (f *fakeSearcher) Search(context.Context, string, string) (string, error) {
	return f.response, f.err
}

func newTestStore(t *testing.T) *analysis.Store {
	t.Helper()
	store, err := analysis.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createAnalysis(t *testing.T, store *analysis.Store, featureNames ...string) *analysis.Analysis {
	t.Helper()
	a := &analysis.Analysis{
		ID:          uuid.NewString(),
		AppName:     "NoteFlow",
		Audience:    "students",
		Description: "A note-taking app with spaced repetition",
		Status:      analysis.StatusProcessing,
		Stage:       string(StageCompetitors),
	}
	features := make([]analysis.UserFeature, len(featureNames))
	for i, name := range featureNames {
		features[i] = analysis.UserFeature{ID: uuid.NewString(), AnalysisID: a.ID, Name: name, Position: i}
	}
	if err := store.CreateAnalysis(a, features); err != nil {
		t.Fatalf("CreateAnalysis: %v", err)
	}
	return a
}

func TestStubServiceScenario(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")
	p := New(store, newFakeCompleter(), nil, Config{})

	if err := p.Process(context.Background(), a.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.GetAnalysis(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != analysis.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Stage != string(StageComplete) {
		t.Errorf("stage = %s, want complete", got.Stage)
	}

	groups, _ := store.ListFeatureGroups(a.ID)
	if len(groups) != 1 || groups[0].Name != "Dark mode" {
		t.Errorf("groups = %+v, want one singleton named Dark mode", groups)
	}

	params, _ := store.ListParameters(a.ID)
	if len(params) != 10 {
		t.Fatalf("parameters = %d, want 10 defaults", len(params))
	}

	scores, _ := store.ListScores(a.ID)
	if len(scores) != 10 {
		t.Fatalf("scores = %d, want 10 (user app only)", len(scores))
	}
	for _, sc := range scores {
		if sc.Score != 5.0 {
			t.Errorf("score = %v, want 5.0 midpoint default", sc.Score)
		}
		if sc.CompetitorID != nil {
			t.Errorf("score has competitor_id %q, want user-app row", *sc.CompetitorID)
		}
	}

	gaps, _ := store.ListGapItems(a.ID)
	if len(gaps) != 0 {
		t.Errorf("gap items = %d, want 0", len(gaps))
	}
	if _, err := store.GetBlueOcean(a.ID); err != nil {
		t.Errorf("GetBlueOcean: %v, want default insight", err)
	}

	features, _ := store.ListUserFeatures(a.ID)
	if features[0].Priority == nil || *features[0].Priority != analysis.PriorityP0 {
		t.Errorf("feature priority = %v, want P0", features[0].Priority)
	}

	personas, _ := store.ListPersonas(a.ID)
	if len(personas) != 3 {
		t.Fatalf("personas = %d, want 3 defaults", len(personas))
	}
	seen := map[analysis.PersonaType]bool{}
	for _, persona := range personas {
		seen[persona.Type] = true
	}
	for _, typ := range analysis.PersonaTypes {
		if !seen[typ] {
			t.Errorf("missing persona type %s", typ)
		}
	}

	reviews, _ := store.ListReviews(a.ID)
	if len(reviews) != 0 {
		t.Errorf("reviews = %d, want 0", len(reviews))
	}

	positions, _ := store.ListPositioning(a.ID)
	if len(positions) != 1 {
		t.Fatalf("positioning rows = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.Value != 7 || pos.Complexity != 5 || pos.Quadrant != "High Value, Low Complexity (Sweet Spot)" {
		t.Errorf("positioning = (%v, %v, %q), want (7, 5, Sweet Spot)", pos.Value, pos.Complexity, pos.Quadrant)
	}

	if _, err := store.GetMarketIntelligence(a.ID); err != nil {
		t.Errorf("GetMarketIntelligence: %v, want placeholder report", err)
	}
}

func TestAlwaysFailingServiceStillCompletes(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode", "Offline sync")
	llm := newFakeCompleter()
	llm.err = errors.New("completion discovery_extract: service unavailable")
	p := New(store, llm, &fakeSearcher{err: errors.New("search down")}, Config{})

	if err := p.Process(context.Background(), a.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := store.GetAnalysis(a.ID)
	if got.Status != analysis.StatusCompleted {
		t.Fatalf("status = %s, want completed despite total service failure", got.Status)
	}

	params, _ := store.ListParameters(a.ID)
	if len(params) != 10 {
		t.Fatalf("parameters = %d, want the 10 defaults", len(params))
	}
	wantFirst := defaultParameters("x")
	var sum float64
	for i, param := range params {
		if param.Name != wantFirst[i].Name || param.Weight != wantFirst[i].Weight {
			t.Errorf("param[%d] = %s/%v, want %s/%v", i, param.Name, param.Weight, wantFirst[i].Name, wantFirst[i].Weight)
		}
		sum += param.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		t.Errorf("default weight sum = %v, want 1.0", sum)
	}

	groups, _ := store.ListFeatureGroups(a.ID)
	if len(groups) != 2 {
		t.Errorf("groups = %d, want identity normalization (one per feature)", len(groups))
	}
}

func TestPartitionInvariantEnforced(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode", "Offline sync", "Flashcards", "Search")
	llm := newFakeCompleter()
	// Index 1 is grouped twice, 99 is out of range, 3 and 4 are omitted.
	llm.responses["normalize_features"] = `{"groups":[
		{"name":"Theming","description":"","members":[1,1,99]},
		{"name":"Sync","description":"","members":[2]}
	]}`
	p := New(store, llm, nil, Config{})

	if err := p.Process(context.Background(), a.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	features, _ := store.ListUserFeatures(a.ID)
	groupIDs := map[string]bool{}
	for _, f := range features {
		if f.GroupID == nil {
			t.Fatalf("feature %q left ungrouped", f.Name)
		}
		groupIDs[*f.GroupID] = true
	}

	groups, _ := store.ListFeatureGroups(a.ID)
	// Theming(1), Sync(2), plus singletons for Flashcards and Search.
	if len(groups) != 4 {
		t.Fatalf("groups = %d, want 4", len(groups))
	}
	if len(groupIDs) != 4 {
		t.Errorf("distinct assigned groups = %d, want 4", len(groupIDs))
	}
}

func TestWeightNormalizationAndTruncation(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")
	llm := newFakeCompleter()
	params := `{"parameters":[`
	for i := 0; i < 12; i++ {
		if i > 0 {
			params += ","
		}
		params += `{"name":"Param ` + string(rune('A'+i)) + `","description":"","weight":0.5}`
	}
	params += `]}`
	llm.responses["generate_parameters"] = params
	p := New(store, llm, nil, Config{})

	if err := p.Process(context.Background(), a.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := store.ListParameters(a.ID)
	if len(got) != 10 {
		t.Fatalf("parameters = %d, want truncation to 10", len(got))
	}
	var sum float64
	for _, param := range got {
		sum += param.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		t.Errorf("weight sum = %v, want 1.0 within %v", sum, weightTolerance)
	}
}

func TestScoringCompletenessWithCompetitors(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")
	competitors := []analysis.Competitor{
		{ID: uuid.NewString(), AnalysisID: a.ID, Name: "Notion", Type: analysis.CompetitorDirect, Position: 0},
		{ID: uuid.NewString(), AnalysisID: a.ID, Name: "Anki", Type: analysis.CompetitorDirect, Position: 1},
	}
	if err := store.InsertCompetitors(competitors, nil); err != nil {
		t.Fatal(err)
	}

	llm := newFakeCompleter()
	// Out-of-range score on a matched parameter, everything else omitted.
	llm.responses["score_entity"] = `{"scores":[{"parameter":"feature completeness","score":42,"reasoning":"strong"}]}`
	p := New(store, llm, nil, Config{})

	if err := p.runMatrix(context.Background(), a); err != nil {
		t.Fatalf("runMatrix: %v", err)
	}

	scores, _ := store.ListScores(a.ID)
	wantRows := 10 * (len(competitors) + 1)
	if len(scores) != wantRows {
		t.Fatalf("scores = %d, want N*(C+1) = %d", len(scores), wantRows)
	}
	clamped, defaulted := 0, 0
	for _, sc := range scores {
		if sc.Score < 0 || sc.Score > 10 {
			t.Errorf("score %v outside [0,10]", sc.Score)
		}
		if sc.Score == 10 {
			clamped++
		}
		if sc.Score == 5.0 {
			defaulted++
		}
	}
	if clamped != 3 {
		t.Errorf("clamped scores = %d, want one per entity", clamped)
	}
	if defaulted != wantRows-3 {
		t.Errorf("defaulted scores = %d, want %d", defaulted, wantRows-3)
	}

	// One batched call per entity, not per parameter.
	if got := llm.callCount("score_entity"); got != 3 {
		t.Errorf("score_entity calls = %d, want 3", got)
	}
}

func TestMVPCoverageWithPartialResponse(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "One", "Two", "Three", "Four", "Five", "Six")
	llm := newFakeCompleter()
	llm.responses["prioritize_features"] = `{"assignments":[
		{"feature":"two", "priority":"P2", "reasoning":"defer"},
		{"feature":"Unknown", "priority":"P0", "reasoning":"ignored"},
		{"feature":"Three", "priority":"bogus", "reasoning":"invalid priority"}
	]}`
	p := New(store, llm, nil, Config{})

	if err := p.Process(context.Background(), a.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	features, _ := store.ListUserFeatures(a.ID)
	for _, f := range features {
		if f.Priority == nil {
			t.Fatalf("feature %q has no priority", f.Name)
		}
	}
	byName := map[string]analysis.Priority{}
	for _, f := range features {
		byName[f.Name] = *f.Priority
	}
	if byName["Two"] != analysis.PriorityP2 {
		t.Errorf("Two = %s, want model-assigned P2", byName["Two"])
	}
	// The other five fall back to position thirds.
	if byName["One"] != analysis.PriorityP0 {
		t.Errorf("One = %s, want P0 (first third)", byName["One"])
	}
	if byName["Six"] != analysis.PriorityP2 {
		t.Errorf("Six = %s, want P2 (last third)", byName["Six"])
	}
}

func TestPriorityForPosition(t *testing.T) {
	cases := []struct {
		i, n int
		want analysis.Priority
	}{
		{0, 1, analysis.PriorityP0},
		{0, 3, analysis.PriorityP0},
		{1, 3, analysis.PriorityP1},
		{2, 3, analysis.PriorityP2},
		{0, 2, analysis.PriorityP0},
		{1, 2, analysis.PriorityP1},
	}
	for _, tc := range cases {
		if got := priorityForPosition(tc.i, tc.n); got != tc.want {
			t.Errorf("priorityForPosition(%d, %d) = %s, want %s", tc.i, tc.n, got, tc.want)
		}
	}
}

func TestQuadrantDeterminism(t *testing.T) {
	cases := []struct {
		value, complexity float64
		want              string
	}{
		{7, 4.9, "High Value, Low Complexity (Sweet Spot)"},
		{6.9, 5, "Low Value, High Complexity (Bloated)"},
		{7, 5, "High Value, High Complexity (Feature Rich)"},
		{6.9, 4.9, "Low Value, Low Complexity (Basic Tools)"},
	}
	for _, tc := range cases {
		if got := Quadrant(tc.value, tc.complexity); got != tc.want {
			t.Errorf("Quadrant(%v, %v) = %q, want %q", tc.value, tc.complexity, got, tc.want)
		}
	}
}

func TestPositioningJoinAndUnmatched(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")
	competitors := []analysis.Competitor{
		{ID: uuid.NewString(), AnalysisID: a.ID, Name: "Notion", Type: analysis.CompetitorDirect, Position: 0},
	}
	if err := store.InsertCompetitors(competitors, nil); err != nil {
		t.Fatal(err)
	}

	llm := newFakeCompleter()
	llm.responses["position_entities"] = `{"entities":[
		{"name":"noteflow", "value":8, "complexity":3},
		{"name":"NOTION", "value":6, "complexity":7},
		{"name":"Ghost Corp", "value":9, "complexity":9}
	]}`
	p := New(store, llm, nil, Config{})

	if err := p.runPositioning(context.Background(), a); err != nil {
		t.Fatalf("runPositioning: %v", err)
	}

	rows, _ := store.ListPositioning(a.ID)
	if len(rows) != 2 {
		t.Fatalf("positioning rows = %d, want 2 (unmatched name dropped)", len(rows))
	}
	for _, row := range rows {
		if row.CompetitorID == nil {
			if row.Quadrant != "High Value, Low Complexity (Sweet Spot)" {
				t.Errorf("user quadrant = %q", row.Quadrant)
			}
		} else {
			if row.EntityName != "Notion" || row.Quadrant != "Low Value, High Complexity (Bloated)" {
				t.Errorf("competitor row = %+v", row)
			}
		}
	}
}

func TestStandoutOpportunityScaleConversion(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")
	llm := newFakeCompleter()
	llm.responses["gap_standouts"] = `{"standouts":[
		{"title":"Spaced repetition", "description":"", "opportunity":8.5},
		{"title":"Overflow", "description":"", "opportunity":99}
	]}`
	p := New(store, llm, nil, Config{})

	if err := p.runGaps(context.Background(), a); err != nil {
		t.Fatalf("runGaps: %v", err)
	}

	items, _ := store.ListGapItems(a.ID)
	byTitle := map[string]int{}
	for _, g := range items {
		if g.Kind != analysis.GapStandout {
			continue
		}
		if g.OpportunityScore == nil {
			t.Fatalf("standout %q missing opportunity score", g.Title)
		}
		byTitle[g.Title] = *g.OpportunityScore
	}
	if byTitle["Spaced repetition"] != 85 {
		t.Errorf("opportunity = %d, want 85 (8.5 on the 0-100 scale)", byTitle["Spaced repetition"])
	}
	if byTitle["Overflow"] != 100 {
		t.Errorf("opportunity = %d, want clamp to 100", byTitle["Overflow"])
	}
}

func TestDiscoveryFilterAndReextraction(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")

	// Search answers in prose; the completion client re-extracts 5 direct and
	// 3 indirect candidates which must truncate to 4/2.
	var comps string
	for i := 0; i < 5; i++ {
		comps += `{"name":"Direct ` + string(rune('A'+i)) + `","type":"direct","description":"d"},`
	}
	for i := 0; i < 3; i++ {
		if i > 0 {
			comps += ","
		}
		comps += `{"name":"Indirect ` + string(rune('A'+i)) + `","type":"indirect","description":"d"}`
	}
	llm := newFakeCompleter()
	llm.responses["discovery_extract"] = `{"competitors":[` + comps + `]}`
	searcher := &fakeSearcher{response: "Here are some competitors I found: Notion, Anki, ..."}
	p := New(store, llm, searcher, Config{})

	if err := p.runDiscovery(context.Background(), a); err != nil {
		t.Fatalf("runDiscovery: %v", err)
	}
	if llm.callCount("discovery_extract") != 1 {
		t.Errorf("discovery_extract calls = %d, want 1", llm.callCount("discovery_extract"))
	}

	competitors, _ := store.ListCompetitors(a.ID)
	direct, indirect := 0, 0
	for _, c := range competitors {
		switch c.Type {
		case analysis.CompetitorDirect:
			direct++
		case analysis.CompetitorIndirect:
			indirect++
		}
	}
	if direct != 4 || indirect != 2 {
		t.Errorf("competitors = %d direct / %d indirect, want 4/2", direct, indirect)
	}
}

func TestRerunIdempotence(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode", "Offline sync")
	p := New(store, newFakeCompleter(), nil, Config{})
	ctx := context.Background()

	if err := p.Process(ctx, a.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstCounts, err := store.EntityCounts(a.ID)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := store.ResetForRerun(a.ID, string(StageCompetitors)); err != nil {
			t.Fatalf("rerun %d reset: %v", i+1, err)
		}
		if err := p.Process(ctx, a.ID); err != nil {
			t.Fatalf("rerun %d: %v", i+1, err)
		}
	}

	counts, err := store.EntityCounts(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	for table, n := range counts {
		if n != firstCounts[table] {
			t.Errorf("%s rows = %d after reruns, want %d (no leftovers)", table, n, firstCounts[table])
		}
	}
	got, _ := store.GetAnalysis(a.ID)
	if got.Status != analysis.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestFatalStageFailureMarksFailed(t *testing.T) {
	store := newTestStore(t)
	p := New(store, newFakeCompleter(), nil, Config{})
	if err := p.Process(context.Background(), "no-such-analysis"); err == nil {
		t.Fatal("Process of missing analysis should fail")
	}
}

func TestMatrixProgressMarkerRoundTrip(t *testing.T) {
	m := MatrixProgress{Scored: 30, Total: 70}
	marker := m.Marker()
	if marker != "matrix_progress_30/70" {
		t.Fatalf("marker = %q", marker)
	}
	got, ok := ParseMatrixProgress(marker)
	if !ok || got != m {
		t.Fatalf("ParseMatrixProgress(%q) = %+v, %v", marker, got, ok)
	}
	if !ValidStage(marker) {
		t.Error("progress marker should be valid")
	}
	if _, ok := ParseMatrixProgress("matrix_complete"); ok {
		t.Error("matrix_complete should not parse as progress")
	}
	if ValidStage("made_up_stage") {
		t.Error("arbitrary strings must not be valid stages")
	}
}

// blockingCompleter parks every call until released, to hold a run in flight.
type blockingCompleter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingCompleter) Complete(ctx context.Context, _, _, _ string, _ any) error {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.New("released")
}

func TestRunnerSingleFlight(t *testing.T) {
	store := newTestStore(t)
	a := createAnalysis(t, store, "Dark mode")
	blocker := &blockingCompleter{started: make(chan struct{}), release: make(chan struct{})}
	runner := NewRunner(context.Background(), New(store, blocker, nil, Config{}))

	if err := runner.Enqueue(a.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-blocker.started

	if err := runner.Enqueue(a.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Enqueue = %v, want ErrAlreadyRunning", err)
	}
	if err := runner.Rerun(a.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Rerun mid-flight = %v, want ErrAlreadyRunning", err)
	}

	close(blocker.release)
	runner.Wait()
	if runner.Running(a.ID) {
		t.Error("run still marked in flight after Wait")
	}
}
