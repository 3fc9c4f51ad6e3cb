package models

// RetrievedDoc is one passage carried through the retrieval pipeline. Score is
// the primary score for the current stage (vector similarity, RRF or rerank
// score); the per-leg diagnostics survive in VectorScore/BM25Score.
type RetrievedDoc struct {
	ID               string         `json:"id"`
	Score            float64        `json:"score"`
	Payload          map[string]any `json:"payload"`
	SourceCollection string         `json:"source_collection,omitempty"`
	VectorScore      *float64       `json:"vector_score,omitempty"`
	BM25Score        *float64       `json:"bm25_score,omitempty"`
	Keywords         []string       `json:"keywords,omitempty"`
	CitedPhrases     []string       `json:"cited_phrases,omitempty"`
}

// Text returns the chunk body from the payload.
func (d *RetrievedDoc) Text() string {
	s, _ := d.Payload["text"].(string)
	return s
}

// Filename returns the source file name, if the upload recorded one.
func (d *RetrievedDoc) Filename() string {
	s, _ := d.Payload["filename"].(string)
	return s
}

// Headings returns the ordered heading path. Index 0 is usually the source
// file, index 1 a page or section label.
func (d *RetrievedDoc) Headings() []string {
	raw, ok := d.Payload["headings"].([]any)
	if !ok {
		if ss, ok := d.Payload["headings"].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
