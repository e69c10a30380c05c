package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rivalscope/rivalscope/internal/analysis"
)

const normalizePromptTemplate = `Cluster these product features into canonical groups of semantically equivalent capabilities. Features from different products describing the same capability belong in one group. A feature with no equivalent gets its own group.

Features (1-based index, origin, name, description):
%s

Required JSON schema:
{
  "groups": [
    {
      "name": "canonical capability name",
      "description": "one sentence describing the capability",
      "members": [1-based indices of every feature in this group]
    }
  ]
}
Every index from 1 to %d must appear in exactly one group.`

type normalizeResponse struct {
	Groups []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Members     []int  `json:"members"`
	} `json:"groups"`
}

// featureItem tags one user or competitor feature with its stable row ID so a
// 1-based index in the model's answer can be mapped back to storage.
type featureItem struct {
	id          string
	fromUser    bool
	name        string
	description string
	origin      string
}

// runNormalization clusters all user and competitor features into canonical
// groups. The partition postcondition is enforced locally: indices the model
// skips become singleton groups, duplicate or out-of-range indices are
// ignored, and a total service failure degrades to identity normalization
// (one singleton group per feature).
func (p *Pipeline) runNormalization(ctx context.Context, a *analysis.Analysis) error {
	if err := p.setStage(a.ID, StageNormalizing); err != nil {
		return err
	}

	userFeatures, err := p.store.ListUserFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list user features: %w", err)
	}
	competitorFeatures, err := p.store.ListCompetitorFeatures(a.ID)
	if err != nil {
		return fmt.Errorf("list competitor features: %w", err)
	}

	competitors, err := p.store.ListCompetitors(a.ID)
	if err != nil {
		return fmt.Errorf("list competitors: %w", err)
	}
	competitorNames := make(map[string]string, len(competitors))
	for _, c := range competitors {
		competitorNames[c.ID] = c.Name
	}

	items := make([]featureItem, 0, len(userFeatures)+len(competitorFeatures))
	for _, f := range userFeatures {
		items = append(items, featureItem{id: f.ID, fromUser: true, name: f.Name, description: f.Description, origin: "user app"})
	}
	for _, f := range competitorFeatures {
		items = append(items, featureItem{id: f.ID, name: f.Name, description: f.Description, origin: "competitor " + competitorNames[f.CompetitorID]})
	}

	groups, userAssignments, competitorAssignments := p.normalizeFeatures(ctx, a, items)

	if err := p.store.SaveNormalization(a.ID, groups, userAssignments, competitorAssignments); err != nil {
		return fmt.Errorf("save normalization: %w", err)
	}
	log.Printf("rivalscope normalization_done analysis=%s features=%d groups=%d", a.ID, len(items), len(groups))
	return p.setStage(a.ID, StageFeatures)
}

func (p *Pipeline) normalizeFeatures(ctx context.Context, a *analysis.Analysis, items []featureItem) ([]analysis.FeatureGroup, map[string]string, map[string]string) {
	if len(items) == 0 {
		return nil, nil, nil
	}

	var resp normalizeResponse
	if err := p.llm.Complete(ctx, "normalize_features", systemPrompt,
		fmt.Sprintf(normalizePromptTemplate, formatFeatureList(items), len(items)), &resp); err != nil {
		log.Printf("rivalscope normalization_failed analysis=%s err=%q fallback=identity", a.ID, err.Error())
		resp.Groups = nil
	}

	var groups []analysis.FeatureGroup
	userAssignments := map[string]string{}
	competitorAssignments := map[string]string{}
	assigned := make([]bool, len(items))

	assign := func(idx int, groupID string) {
		assigned[idx] = true
		if items[idx].fromUser {
			userAssignments[items[idx].id] = groupID
		} else {
			competitorAssignments[items[idx].id] = groupID
		}
	}

	for _, g := range resp.Groups {
		var members []int
		for _, m := range g.Members {
			idx := m - 1
			if idx < 0 || idx >= len(items) || assigned[idx] {
				continue
			}
			members = append(members, idx)
			assigned[idx] = true
		}
		if len(members) == 0 {
			continue
		}
		name := strings.TrimSpace(g.Name)
		if name == "" {
			name = items[members[0]].name
		}
		group := analysis.FeatureGroup{
			ID:          uuid.NewString(),
			AnalysisID:  a.ID,
			Name:        name,
			Description: g.Description,
		}
		groups = append(groups, group)
		for _, idx := range members {
			assign(idx, group.ID)
		}
	}

	// Singleton fallback for anything the model skipped.
	for idx, done := range assigned {
		if done {
			continue
		}
		group := analysis.FeatureGroup{
			ID:          uuid.NewString(),
			AnalysisID:  a.ID,
			Name:        items[idx].name,
			Description: items[idx].description,
		}
		groups = append(groups, group)
		assign(idx, group.ID)
	}

	return groups, userAssignments, competitorAssignments
}

func formatFeatureList(items []featureItem) string {
	var sb strings.Builder
	for i, it := range items {
		fmt.Fprintf(&sb, "%d. [%s] %s", i+1, it.origin, it.name)
		if it.description != "" {
			fmt.Fprintf(&sb, " - %s", it.description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
