package pipeline

import (
	"sort"

	"github.com/opsconductor/opsconductor/internal/toolindex"
	"github.com/opsconductor/opsconductor/pkg/models"
)

// scoreWeights are the preference weights for one mode. Complexity
// counts against a tool, so its weight is applied to (1 - complexity).
type scoreWeights struct {
	speed, accuracy, simplicity, retrieval float64
}

// weightsFor shifts the blend by preference mode. Retrieval similarity
// always carries the largest share so scoring refines rather than
// overrides retrieval.
func weightsFor(mode models.PreferenceMode) scoreWeights {
	switch mode {
	case models.PreferFast:
		return scoreWeights{speed: 0.30, accuracy: 0.08, simplicity: 0.12, retrieval: 0.50}
	case models.PreferAccurate:
		return scoreWeights{speed: 0.08, accuracy: 0.30, simplicity: 0.12, retrieval: 0.50}
	default:
		return scoreWeights{speed: 0.15, accuracy: 0.15, simplicity: 0.20, retrieval: 0.50}
	}
}

// scoredCandidate pairs a candidate with its deterministic score.
type scoredCandidate struct {
	entry toolindex.ScoredEntry
	spec  *toolindex.FullSpec
	score float64
	// approvalFlagged marks tools whose spec demands approval; they
	// stay selectable but carry a risk boost downstream.
	approvalFlagged bool
}

// approvalPenalty nudges approval-gated tools below equivalent free
// tools without excluding them.
const approvalPenalty = 0.03

// scoreCandidates computes the deterministic scalar for each candidate.
// Candidates whose full spec is missing score on retrieval alone.
func scoreCandidates(candidates []toolindex.ScoredEntry, specs map[string]*toolindex.FullSpec, mode models.PreferenceMode) []scoredCandidate {
	w := weightsFor(mode)

	out := make([]scoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		sc := scoredCandidate{entry: cand, spec: specs[cand.ID]}
		if sc.spec != nil {
			p := sc.spec.Preferences
			sc.score = w.retrieval*cand.Score +
				w.speed*p.Speed +
				w.accuracy*p.Accuracy +
				w.simplicity*(1-p.Complexity)
			if sc.spec.RequiresApproval {
				sc.approvalFlagged = true
				sc.score -= approvalPenalty
			}
		} else {
			sc.score = w.retrieval * cand.Score
		}
		out = append(out, sc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].entry.ID < out[j].entry.ID
	})
	return out
}

// isAmbiguous reports whether the top two scores are within the margin.
// The margin is a percentage of the top score; a gap exactly equal to
// the margin is NOT ambiguous (strict inequality).
func isAmbiguous(scored []scoredCandidate, marginPct float64) bool {
	if len(scored) < 2 || scored[0].score <= 0 {
		return false
	}
	gap := (scored[0].score - scored[1].score) / scored[0].score * 100
	return gap < marginPct
}
