package model

// Metadata is the flat record attached to every document and carried,
// unchanged, on each chunk derived from it.
type Metadata struct {
	Name         string `json:"name"`
	Summary      string `json:"summary"`
	Content      string `json:"content"`
	URL          string `json:"url"`
	Category     string `json:"category"`
	UpdatedAt    string `json:"updated_at"`
	Subject      string `json:"subject"`
	DecisionNum  string `json:"decision_num"`
	DecisionDate string `json:"decision_date"`
	GovID        string `json:"gov_id"`
}

// Document is one source record: a composite text body plus its metadata.
// Immutable once loaded.
type Document struct {
	PageContent string
	Metadata    Metadata
}

// Chunk is the unit of indexing and retrieval: a token-bounded window of a
// document's page content with a copy of the parent metadata.
type Chunk struct {
	Content  string
	Metadata Metadata
}

// Passage is a chunk as returned by similarity search for one query.
type Passage struct {
	Content  string
	Metadata Metadata
}
