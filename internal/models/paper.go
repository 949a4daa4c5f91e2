package models

// SearchSource identifies which ranking contributed a paper result
type SearchSource string

const (
	SearchSourceSemantic SearchSource = "semantic"
	SearchSourceKeyword  SearchSource = "keyword"
	SearchSourceHybrid   SearchSource = "hybrid"
)

// ScoredRecord pairs a record with the backend's relevance score for the
// query that produced it
type ScoredRecord struct {
	Record *Record `json:"record"`
	Score  float64 `json:"score"`
}

// PaperSearchResult is one fused hit from the hybrid paper search
type PaperSearchResult struct {
	BibKey   string       `json:"bib_key"`
	RecordID string       `json:"record_id"`
	Title    string       `json:"title,omitempty"`
	Snippet  string       `json:"snippet,omitempty"`
	Score    float64      `json:"score"` // Reciprocal-rank fusion score
	Source   SearchSource `json:"source"`
}

// PaperContent is the payload returned to an agent asking for a paper's text
type PaperContent struct {
	BibKey           string `json:"bib_key"`
	Content          string `json:"content"`
	CompressionLevel int    `json:"compression_level"` // Level the content was served from
	Truncated        bool   `json:"truncated"`
}
