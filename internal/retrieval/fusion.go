package retrieval

import (
	"sort"

	"github.com/xxxsen/ragchat/internal/model"
)

// rrfK dampens the contribution of top ranks in reciprocal rank fusion.
const rrfK = 60.0

// fuse merges the vector and lexical channels. Each list must already be
// ordered best first. A chunk found by both channels always ranks above a
// chunk found by one; inside a tier hits are ordered by fused score, then id.
func fuse(vector, lexical []model.SearchHit) []model.SearchHit {
	merged := make(map[string]*model.SearchHit, len(vector)+len(lexical))
	order := make([]string, 0, len(vector)+len(lexical))
	add := func(hit model.SearchHit, rank int) *model.SearchHit {
		item, ok := merged[hit.ID]
		if !ok {
			h := hit
			h.Score = 0
			merged[hit.ID] = &h
			order = append(order, hit.ID)
			item = &h
		}
		item.Score += 1.0 / (rrfK + float64(rank+1))
		return item
	}
	for i, hit := range vector {
		item := add(hit, i)
		item.InVector = true
		item.Similarity = hit.Similarity
	}
	for i, hit := range lexical {
		item := add(hit, i)
		item.InLexical = true
		item.LexicalScore = hit.LexicalScore
	}
	out := make([]model.SearchHit, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	sortHits(out)
	return out
}

func sortHits(hits []model.SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		ti, tj := tier(hits[i]), tier(hits[j])
		if ti != tj {
			return ti < tj
		}
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

func tier(hit model.SearchHit) int {
	if hit.DualMatch() {
		return 0
	}
	return 1
}

// filterByThreshold drops vector hits below the similarity floor.
func filterByThreshold(hits []model.SearchHit, threshold float64) []model.SearchHit {
	out := hits[:0]
	for _, hit := range hits {
		if hit.Similarity >= threshold {
			out = append(out, hit)
		}
	}
	return out
}
