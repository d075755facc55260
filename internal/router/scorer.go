package router

import "github.com/jordanhubbard/dialtone/internal/catalog"

// Score is a pair's normalized quality and cost, each in [0,1].
type Score struct {
	Quality float64
	Cost    float64
}

// Scorer predicts quality and normalized cost for a pair. Implementations
// must be deterministic for a given snapshot and request.
type Scorer interface {
	Name() string
	Score(s *catalog.Snapshot, p catalog.Pair, req Request) Score
}

// TableScorer reads static scores from the catalog. Quality is the entry's
// baseline, or its tool quality for tool-bearing requests. Cost is the
// blended token price normalized by the most expensive entry in the catalog.
type TableScorer struct{}

func (TableScorer) Name() string { return "static-table" }

func (TableScorer) Score(s *catalog.Snapshot, p catalog.Pair, req Request) Score {
	e, ok := s.Lookup(p)
	if !ok {
		return Score{}
	}
	q := e.Quality
	if req.HasTools() && e.ToolQuality > 0 {
		q = e.ToolQuality
	}
	var c float64
	if maxPrice := s.MaxBlendedPrice(); maxPrice > 0 {
		c = e.BlendedPrice() / maxPrice
	}
	return Score{Quality: clamp01(q), Cost: clamp01(c)}
}

// FixedScorer returns preset scores per pair. Pairs not in the map score zero.
type FixedScorer map[catalog.Pair]Score

func (FixedScorer) Name() string { return "fixed" }

func (f FixedScorer) Score(_ *catalog.Snapshot, p catalog.Pair, _ Request) Score {
	sc := f[p]
	return Score{Quality: clamp01(sc.Quality), Cost: clamp01(sc.Cost)}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
