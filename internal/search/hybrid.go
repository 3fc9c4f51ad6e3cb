package search

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"docchat/internal/logging"
	"docchat/internal/models"
	"docchat/internal/vector"
)

// VectorSearcher is the similarity-search slice of the vector store.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, queryVec []float32, limit int, scoreThreshold *float64) ([]vector.Hit, error)
}

// HybridOptions tune one hybrid_search call.
type HybridOptions struct {
	TopK           int
	ScoreThreshold *float64
	VectorWeight   float64
	BM25Weight     float64
	RRFK           int
}

// Hybrid fuses dense vector search with BM25 keyword search via weighted
// Reciprocal Rank Fusion.
type Hybrid struct {
	vectors VectorSearcher
	bm25    *BM25Cache
}

// NewHybrid builds the fusion engine over both legs.
func NewHybrid(vectors VectorSearcher, bm25 *BM25Cache) *Hybrid {
	return &Hybrid{vectors: vectors, bm25: bm25}
}

// Search runs both legs at 3x width concurrently, fuses by RRF and returns
// the top-k documents. When BM25 yields nothing the vector top-k is returned
// unchanged. Documents found only via BM25 are hydrated from the cached
// corpus. The result never exceeds topK and never repeats an id.
func (h *Hybrid) Search(ctx context.Context, collection, queryText string, queryVec []float32, opts HybridOptions) ([]models.RetrievedDoc, error) {
	width := 3 * opts.TopK
	k := opts.RRFK
	if k <= 0 {
		k = 60
	}

	var vectorHits []vector.Hit
	var bm25Hits []ScoredID

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vectorHits, err = h.vectors.Search(gctx, collection, queryVec, width, opts.ScoreThreshold)
		return err
	})
	g.Go(func() error {
		var err error
		bm25Hits, err = h.bm25.Search(gctx, collection, queryText, width)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}

	if len(bm25Hits) == 0 {
		docs := make([]models.RetrievedDoc, 0, opts.TopK)
		for _, hit := range vectorHits {
			if len(docs) == opts.TopK {
				break
			}
			score := hit.Score
			docs = append(docs, models.RetrievedDoc{
				ID:          hit.ID,
				Score:       hit.Score,
				Payload:     hit.Payload,
				VectorScore: &score,
			})
		}
		return docs, nil
	}

	// Weighted RRF: score(d) = sum over lists of w * 1/(k + rank), 1-based
	// ranks. Neutral weights of 1.0 reduce to classic RRF.
	fused := make(map[string]*models.RetrievedDoc)
	scores := make(map[string]float64)

	for rank, hit := range vectorHits {
		scores[hit.ID] += opts.VectorWeight / float64(k+rank+1)
		vs := hit.Score
		fused[hit.ID] = &models.RetrievedDoc{
			ID:          hit.ID,
			Payload:     hit.Payload,
			VectorScore: &vs,
		}
	}
	for rank, hit := range bm25Hits {
		scores[hit.ID] += opts.BM25Weight / float64(k+rank+1)
		bs := hit.Score
		if doc, ok := fused[hit.ID]; ok {
			doc.BM25Score = &bs
			continue
		}
		// BM25-only document: hydrate the text from the cached corpus.
		payload := map[string]any{}
		if text, ok := h.bm25.TextOf(collection, hit.ID); ok {
			payload["text"] = text
		}
		fused[hit.ID] = &models.RetrievedDoc{
			ID:        hit.ID,
			Payload:   payload,
			BM25Score: &bs,
		}
	}

	docs := make([]models.RetrievedDoc, 0, len(fused))
	for id, doc := range fused {
		doc.Score = scores[id]
		docs = append(docs, *doc)
	}
	// Exact-score ties resolve toward the dense leg, then the keyword leg,
	// then the id, so the fused order is stable across runs.
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		vi, vj := derefScore(docs[i].VectorScore), derefScore(docs[j].VectorScore)
		if vi != vj {
			return vi > vj
		}
		bi, bj := derefScore(docs[i].BM25Score), derefScore(docs[j].BM25Score)
		if bi != bj {
			return bi > bj
		}
		return docs[i].ID < docs[j].ID
	})
	if len(docs) > opts.TopK {
		docs = docs[:opts.TopK]
	}

	logging.For("hybrid").Debug().
		Str("collection", collection).
		Int("vector_candidates", len(vectorHits)).
		Int("bm25_candidates", len(bm25Hits)).
		Int("fused", len(docs)).
		Msg("hybrid search complete")
	return docs, nil
}

func derefScore(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
