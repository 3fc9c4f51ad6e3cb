package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/vector"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "korean with punctuation",
			input:    "환불 규정은? 제10조를 보세요!",
			expected: []string{"환불", "규정은", "제10조를", "보세요"},
		},
		{
			name:     "mixed case ascii lowered",
			input:    "REST API v2_beta",
			expected: []string{"rest", "api", "v2_beta"},
		},
		{
			name:     "symbols become separators",
			input:    "a/b,c·d",
			expected: []string{"a", "b", "c", "d"},
		},
		{
			name:     "empty",
			input:    "",
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Tokenize(tt.input))
		})
	}
}

func TestBM25RanksByTermFrequency(t *testing.T) {
	model := buildBM25([][]string{
		{"환불", "환불", "환불", "규정"},
		{"환불", "규정"},
		{"배송", "안내"},
	})
	scores := model.scores([]string{"환불"})

	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[1], 0.0)
	assert.Equal(t, 0.0, scores[2])
}

func TestBM25UnknownTermScoresZero(t *testing.T) {
	model := buildBM25([][]string{{"환불", "규정"}})
	scores := model.scores([]string{"없는단어"})
	assert.Equal(t, []float64{0}, scores)
}

func TestBM25CacheBuildsOnceAndInvalidates(t *testing.T) {
	scroller := &fakeScroller{hits: []vector.Hit{
		corpusHit("d1", "환불 규정 안내"),
		corpusHit("d2", "배송 안내"),
	}}
	cache := NewBM25Cache(scroller)
	ctx := context.Background()

	hits, err := cache.Search(ctx, "docs", "환불", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ID)

	// Second search reuses the cached index.
	_, err = cache.Search(ctx, "docs", "배송", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, scroller.calls)

	// Invalidation forces a rebuild on the next search.
	cache.Invalidate("docs")
	_, err = cache.Search(ctx, "docs", "배송", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, scroller.calls)
}

func TestBM25CacheTextOf(t *testing.T) {
	cache := NewBM25Cache(&fakeScroller{hits: []vector.Hit{
		corpusHit("d1", "환불 규정 안내"),
	}})
	_, err := cache.Search(context.Background(), "docs", "환불", 5)
	require.NoError(t, err)

	text, ok := cache.TextOf("docs", "d1")
	require.True(t, ok)
	assert.Equal(t, "환불 규정 안내", text)

	_, ok = cache.TextOf("docs", "missing")
	assert.False(t, ok)
}

func TestBM25CacheEmptyQuery(t *testing.T) {
	cache := NewBM25Cache(&fakeScroller{hits: []vector.Hit{
		corpusHit("d1", "환불 규정"),
	}})
	hits, err := cache.Search(context.Background(), "docs", "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
