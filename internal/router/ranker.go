package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/jordanhubbard/dialtone/internal/catalog"
)

// scoreEpsilon is the resolution of composite scores. Scores are bucketed to
// this grid before comparison, so candidates in the same bucket tie.
const scoreEpsilon = 1e-9

// Candidate is a ranked pair with the catalog entry dispatch needs.
type Candidate struct {
	catalog.Entry
	Score     Score
	Composite float64
}

// Composite computes S = q·quality − c·cost.
func Composite(sc Score, d Dials) float64 {
	return d.Quality*sc.Quality - d.Cost*sc.Cost
}

// Rank orders pairs by descending composite score. Ties go to the lower
// catalog priority, then to the lexicographically smaller "model/provider".
// The order is total, so the result does not depend on input order. Pairs
// missing from the snapshot are dropped.
func Rank(s *catalog.Snapshot, pairs []catalog.Pair, req Request, d Dials, scorer Scorer) []Candidate {
	out := make([]Candidate, 0, len(pairs))
	for _, p := range pairs {
		e, ok := s.Lookup(p)
		if !ok {
			continue
		}
		sc := scorer.Score(s, p, req)
		out = append(out, Candidate{Entry: e, Score: sc, Composite: Composite(sc, d)})
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// scoreKey quantizes a composite score. Comparing keys keeps ties
// transitive, which a pairwise |a-b| <= epsilon test does not.
func scoreKey(composite float64) float64 {
	return math.Round(composite / scoreEpsilon)
}

func less(a, b Candidate) bool {
	if ka, kb := scoreKey(a.Composite), scoreKey(b.Composite); ka != kb {
		return ka > kb
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Pair.String() < b.Pair.String()
}

// applyHint moves the hinted model's candidates to the front, keeping the
// relative order within both groups. It reports whether anything matched.
func applyHint(cands []Candidate, hint catalog.Model) ([]Candidate, bool) {
	if hint == "" {
		return cands, false
	}
	front := make([]Candidate, 0, len(cands))
	back := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Model == hint {
			front = append(front, c)
		} else {
			back = append(back, c)
		}
	}
	if len(front) == 0 {
		return cands, false
	}
	return append(front, back...), true
}

func strategyName(scorer Scorer, d Dials, hinted bool) string {
	name := fmt.Sprintf("%s:quality=%.2f,cost=%.2f", scorer.Name(), d.Quality, d.Cost)
	if hinted {
		name += "+hint"
	}
	return name
}
