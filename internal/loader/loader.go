package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"govdoc-chat/internal/model"
)

var ErrEmptyCorpus = errors.New("corpus file contains no records")

type rawRecord struct {
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

// Load reads a JSON array of corpus records and builds one Document per
// record. The page content is the composite of the searchable text fields
// joined with "||", matching what gets embedded at index time.
func Load(path string) ([]model.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus file failed: %w", err)
	}

	var records []rawRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse corpus file failed: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmptyCorpus
	}

	docs := make([]model.Document, 0, len(records))
	for _, rec := range records {
		docs = append(docs, model.Document{
			PageContent: pageContent(rec),
			Metadata: model.Metadata{
				Name:         rec.Name,
				Summary:      rec.Summary,
				Content:      rec.Content,
				URL:          rec.URL,
				Category:     rec.Category,
				UpdatedAt:    rec.UpdatedAt,
				Subject:      rec.Subject,
				DecisionNum:  rec.DecisionNum,
				DecisionDate: rec.DecisionDate,
				GovID:        rec.GovID,
			},
		})
	}
	return docs, nil
}

func pageContent(rec rawRecord) string {
	return strings.Join([]string{
		rec.Name,
		rec.Summary,
		rec.Content,
		rec.DecisionNum,
		rec.DecisionDate,
	}, "||")
}
