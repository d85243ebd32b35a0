package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"govdoc-chat/internal/model"
)

const (
	defaultChunkSize    = 512
	defaultChunkOverlap = 256
)

// Splitter cuts documents into overlapping windows measured in tokens of the
// generation model's tokenizer, so that chunk boundaries match the token
// accounting used at embedding and generation time.
type Splitter struct {
	enc          *tiktoken.Tiktoken
	chunkSize    int
	chunkOverlap int
}

func New(encoding string, chunkSize, chunkOverlap int) (*Splitter, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = defaultChunkOverlap
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 2
	}

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding %q failed: %w", encoding, err)
	}
	return &Splitter{
		enc:          enc,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}, nil
}

// Split returns chunks in document order, then window order within each
// document. Every chunk carries a copy of its parent's metadata. A document
// that fits within the chunk size yields exactly one chunk equal to its full
// text; an empty document yields nothing.
func (s *Splitter) Split(docs []model.Document) []model.Chunk {
	var chunks []model.Chunk
	for _, doc := range docs {
		for _, text := range s.splitText(doc.PageContent) {
			chunks = append(chunks, model.Chunk{
				Content:  text,
				Metadata: doc.Metadata,
			})
		}
	}
	return chunks
}

func (s *Splitter) splitText(text string) []string {
	ids := s.enc.Encode(text, nil, nil)
	if len(ids) == 0 {
		return nil
	}
	if len(ids) <= s.chunkSize {
		return []string{text}
	}

	// Decoding a contiguous id window yields a byte span of the source, but
	// byte-level BPE boundaries can land mid-rune. A character cut at a window
	// edge is trimmed here; the overlap keeps it whole in the neighboring
	// window, so the spans still cover the full text.
	step := s.chunkSize - s.chunkOverlap
	var parts []string
	for start := 0; ; start += step {
		end := start + s.chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if part := trimPartialRunes(s.enc.Decode(ids[start:end])); part != "" {
			parts = append(parts, part)
		}
		if end == len(ids) {
			break
		}
	}
	return parts
}

// trimPartialRunes drops edge bytes belonging to a character that a token
// window boundary split in half.
func trimPartialRunes(s string) string {
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			return s
		}
		s = s[:len(s)-1]
	}
	return s
}
