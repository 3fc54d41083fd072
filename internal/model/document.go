package model

import "time"

const UntitledDocument = "Untitled"

// Chunk is a retrievable slice of a source document. Rows are written by the
// ingestion pipeline and never mutated here.
type Chunk struct {
	ID           string                 `json:"id"`
	SourceFileID string                 `json:"source_file_id"`
	Content      string                 `json:"content"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SearchHit is a chunk with the signals that placed it in a result list.
type SearchHit struct {
	Chunk
	Title        string  `json:"title,omitempty"`
	Similarity   float64 `json:"similarity,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	InVector     bool    `json:"in_vector"`
	InLexical    bool    `json:"in_lexical"`
	Score        float64 `json:"score"`
}

func (h SearchHit) DualMatch() bool {
	return h.InVector && h.InLexical
}

type SourceDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type FullDocument struct {
	SourceDocument
	Content    string `json:"content"`
	ChunkCount int    `json:"chunk_count"`
}
