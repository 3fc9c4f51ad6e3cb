package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"docchat/internal/logging"
	"docchat/internal/vector"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// Scroller is the slice of the vector store the BM25 cache needs to build a
// corpus: the text payload of every point in a collection.
type Scroller interface {
	ScrollAll(ctx context.Context, collection string, fields []string) ([]vector.Hit, error)
}

// ScoredID is one BM25 hit.
type ScoredID struct {
	ID    string
	Score float64
}

// bm25Model holds the per-collection Okapi statistics.
type bm25Model struct {
	docTokens [][]string
	docLens   []int
	avgDocLen float64
	// df[term] = number of documents containing term.
	df map[string]int
}

func buildBM25(corpus [][]string) *bm25Model {
	m := &bm25Model{
		docTokens: corpus,
		docLens:   make([]int, len(corpus)),
		df:        make(map[string]int),
	}
	total := 0
	for i, tokens := range corpus {
		m.docLens[i] = len(tokens)
		total += len(tokens)
		seen := make(map[string]struct{}, len(tokens))
		for _, tok := range tokens {
			if _, ok := seen[tok]; !ok {
				seen[tok] = struct{}{}
				m.df[tok]++
			}
		}
	}
	if len(corpus) > 0 {
		m.avgDocLen = float64(total) / float64(len(corpus))
	}
	return m
}

// scores computes BM25 scores of the query against every document.
func (m *bm25Model) scores(query []string) []float64 {
	n := len(m.docTokens)
	out := make([]float64, n)
	if n == 0 || len(query) == 0 {
		return out
	}
	for _, term := range query {
		df := m.df[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for i, tokens := range m.docTokens {
			tf := 0
			for _, tok := range tokens {
				if tok == term {
					tf++
				}
			}
			if tf == 0 {
				continue
			}
			norm := 1 - bm25B + bm25B*float64(m.docLens[i])/m.avgDocLen
			out[i] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}
	return out
}

// collectionIndex is the cached corpus for one collection.
type collectionIndex struct {
	texts   []string
	ids     []string
	idToIdx map[string]int
	model   *bm25Model
}

// BM25Cache lazily builds and serves per-collection keyword indexes. Writers
// to a collection must call Invalidate; reads during a rebuild block on the
// per-collection lock so the corpus is only scrolled once.
type BM25Cache struct {
	store Scroller

	mu      sync.Mutex
	indexes map[string]*collectionIndex
	locks   map[string]*sync.Mutex
}

// NewBM25Cache builds an empty cache over the vector store.
func NewBM25Cache(store Scroller) *BM25Cache {
	return &BM25Cache{
		store:   store,
		indexes: make(map[string]*collectionIndex),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (c *BM25Cache) lockFor(collection string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		c.locks[collection] = l
	}
	return l
}

func (c *BM25Cache) index(ctx context.Context, collection string) (*collectionIndex, error) {
	lock := c.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	idx, ok := c.indexes[collection]
	c.mu.Unlock()
	if ok {
		return idx, nil
	}

	hits, err := c.store.ScrollAll(ctx, collection, []string{"text"})
	if err != nil {
		return nil, fmt.Errorf("failed to scroll collection %s: %w", collection, err)
	}

	idx = &collectionIndex{idToIdx: make(map[string]int, len(hits))}
	corpus := make([][]string, 0, len(hits))
	for _, hit := range hits {
		text, _ := hit.Payload["text"].(string)
		if text == "" {
			continue
		}
		idx.idToIdx[hit.ID] = len(idx.ids)
		idx.ids = append(idx.ids, hit.ID)
		idx.texts = append(idx.texts, text)
		corpus = append(corpus, Tokenize(text))
	}
	idx.model = buildBM25(corpus)

	c.mu.Lock()
	c.indexes[collection] = idx
	c.mu.Unlock()

	logging.For("bm25").Info().
		Str("collection", collection).
		Int("documents", len(idx.ids)).
		Msg("bm25 index built")
	return idx, nil
}

// Search tokenizes the query and returns the top-k ids sorted by BM25 score
// descending. An empty or unbuildable corpus yields no results.
func (c *BM25Cache) Search(ctx context.Context, collection, query string, topK int) ([]ScoredID, error) {
	idx, err := c.index(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(idx.ids) == 0 {
		return nil, nil
	}

	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	scores := idx.model.scores(tokens)
	ranked := make([]ScoredID, 0, len(scores))
	for i, score := range scores {
		if score > 0 {
			ranked = append(ranked, ScoredID{ID: idx.ids[i], Score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// TextOf returns the cached chunk body for a point, used to hydrate documents
// found only via BM25 without another vector-store round trip.
func (c *BM25Cache) TextOf(collection, id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.indexes[collection]
	if !ok {
		return "", false
	}
	i, ok := idx.idToIdx[id]
	if !ok {
		return "", false
	}
	return idx.texts[i], true
}

// Invalidate drops the cached index for one collection, or every index when
// collection is empty.
func (c *BM25Cache) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if collection == "" {
		c.indexes = make(map[string]*collectionIndex)
		return
	}
	delete(c.indexes, collection)
}
