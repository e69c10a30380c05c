package pipeline

import (
	"fmt"
	"strings"
)

// Stage is the persisted pipeline marker polled by clients. Each marker is
// written only after the stage's side effects are durably stored, so a poller
// never sees a marker ahead of the data.
type Stage string

const (
	StageCompetitors          Stage = "competitors"
	StageCompetitorsComplete  Stage = "competitors_complete"
	StageNormalizing          Stage = "normalizing_features"
	StageFeatures             Stage = "features"
	StageMatrixComplete       Stage = "matrix_complete"
	StageGaps                 Stage = "gaps"
	StageGapsComplete         Stage = "gaps_complete"
	StageMVP                  Stage = "mvp"
	StageMVPComplete          Stage = "mvp_complete"
	StagePersonas             Stage = "personas"
	StagePersonasComplete     Stage = "personas_complete"
	StagePositioning          Stage = "positioning"
	StagePositioningComplete  Stage = "positioning_complete"
	StageIntelligence         Stage = "market_intelligence"
	StageIntelligenceComplete Stage = "market_intelligence_complete"
	StageComplete             Stage = "complete"
)

const matrixProgressPrefix = "matrix_progress_"

var knownStages = map[Stage]struct{}{
	StageCompetitors: {}, StageCompetitorsComplete: {},
	StageNormalizing: {}, StageFeatures: {},
	StageMatrixComplete: {},
	StageGaps:           {}, StageGapsComplete: {},
	StageMVP: {}, StageMVPComplete: {},
	StagePersonas: {}, StagePersonasComplete: {},
	StagePositioning: {}, StagePositioningComplete: {},
	StageIntelligence: {}, StageIntelligenceComplete: {},
	StageComplete: {},
}

// MatrixProgress is the typed sub-state behind the matrix_progress_{k}/{n}
// marker: k of n matrix cells scored. It is emitted every tenth completed
// cell to bound write amplification.
type MatrixProgress struct {
	Scored int
	Total  int
}

func (p MatrixProgress) Marker() Stage {
	return Stage(fmt.Sprintf("%s%d/%d", matrixProgressPrefix, p.Scored, p.Total))
}

// ParseMatrixProgress recovers the sub-state from a persisted marker.
func ParseMatrixProgress(s Stage) (MatrixProgress, bool) {
	raw, ok := strings.CutPrefix(string(s), matrixProgressPrefix)
	if !ok {
		return MatrixProgress{}, false
	}
	var p MatrixProgress
	if _, err := fmt.Sscanf(raw, "%d/%d", &p.Scored, &p.Total); err != nil {
		return MatrixProgress{}, false
	}
	if p.Scored < 0 || p.Total < 0 {
		return MatrixProgress{}, false
	}
	return p, true
}

// ValidStage reports whether s is an enumerated marker or a well-formed
// matrix progress marker. The store accepts any string; the pipeline only
// ever writes markers that pass this check.
func ValidStage(s Stage) bool {
	if _, ok := knownStages[s]; ok {
		return true
	}
	_, ok := ParseMatrixProgress(s)
	return ok
}
