package memory

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// rrfConstant is the standard reciprocal rank fusion constant.
const rrfConstant = 60

// snippetBytes caps result snippets.
const snippetBytes = 500

// Source records which ranked list produced a search hit.
type Source string

const (
	SourceVector   Source = "vector"
	SourceFullText Source = "full_text"
	SourceHybrid   Source = "hybrid"
)

// SearchResult is one hybrid search hit.
type SearchResult struct {
	ID      string  `json:"id"`
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Source  Source  `json:"source"`
}

// rrfMerge fuses two ranked lists. Each appearance contributes
// 1/(k + rank + 1) with rank counted from zero, so a document ranked
// first and third (1/61 + 1/63) beats one ranked second twice
// (1/62 + 1/62). Ties break by ID for deterministic output.
func rrfMerge(vector, text []Ranked, k int, limit int) []Ranked {
	scores := make(map[string]float64)
	for rank, r := range vector {
		scores[r.ID] += 1.0 / (float64(k) + float64(rank) + 1.0)
	}
	for rank, r := range text {
		scores[r.ID] += 1.0 / (float64(k) + float64(rank) + 1.0)
	}

	merged := make([]Ranked, 0, len(scores))
	for id, score := range scores {
		merged = append(merged, Ranked{ID: id, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Searcher runs hybrid queries over a store.
type Searcher struct {
	store    *Store
	embedder Embedder
	logger   *zap.Logger
}

// NewSearcher builds a hybrid searcher.
func NewSearcher(store *Store, embedder Embedder, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{store: store, embedder: embedder, logger: logger}
}

// Search fetches three times the requested size from each source so a
// document strong in only one list can still reach the fused top k,
// then merges with RRF. An embedding failure degrades to FTS-only.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	fetch := k * 3

	textHits, err := s.store.SearchText(ctx, query, fetch)
	if err != nil {
		return nil, err
	}

	var vectorHits []Ranked
	if s.embedder != nil {
		queryVec, embErr := s.embedder.Embed(ctx, query)
		if embErr != nil {
			s.logger.Warn("query embedding failed, falling back to text-only search",
				zap.Error(embErr))
		} else {
			vectorHits, err = s.store.SearchVector(ctx, queryVec, fetch)
			if err != nil {
				return nil, err
			}
		}
	}

	merged := rrfMerge(vectorHits, textHits, rrfConstant, k)

	inVector := make(map[string]bool, len(vectorHits))
	for _, r := range vectorHits {
		inVector[r.ID] = true
	}
	inText := make(map[string]bool, len(textHits))
	for _, r := range textHits {
		inText[r.ID] = true
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		doc, ok, err := s.store.GetDocument(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		results = append(results, SearchResult{
			ID:      r.ID,
			Path:    doc.Path,
			Snippet: makeSnippet(doc.Content),
			Score:   r.Score,
			Source:  hitSource(inVector[r.ID], inText[r.ID]),
		})
	}
	return results, nil
}

func hitSource(vector, text bool) Source {
	switch {
	case vector && text:
		return SourceHybrid
	case vector:
		return SourceVector
	default:
		return SourceFullText
	}
}

// makeSnippet returns the first 500 bytes of content, marking
// truncation with an ellipsis.
func makeSnippet(content string) string {
	if len(content) <= snippetBytes {
		return content
	}
	return content[:snippetBytes] + "..."
}
