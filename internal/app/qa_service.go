package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"govdoc-chat/internal/model"
	"govdoc-chat/internal/prompt"
)

// Stream payload tags. Generated text segments are emitted untagged.
const (
	SessionIDTag = "[SESSION_ID]"
	SourceTag    = "[SOURCE]"
	DoneTag      = "[DONE]"
)

var ErrQuestionEmpty = errors.New("question is empty")

// LanguageModel produces completions. Stream is finite and not restartable.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Stream(ctx context.Context, prompt string, onSegment func(segment string) error) (string, error)
}

// Retriever returns up to k passages ranked by relevance, best first. An
// empty result is a normal outcome.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]model.Passage, error)
}

// ChatHistory is the per-session append-only message log.
type ChatHistory interface {
	Load(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	AppendUser(ctx context.Context, sessionID, content string) error
	AppendAI(ctx context.Context, sessionID, content string) error
}

// Archiver queues a completed turn's messages for durable storage.
type Archiver interface {
	Publish(ctx context.Context, msg model.ArchivedMessage) error
}

// QAService runs one question-answering turn: condense the question against
// the session history, retrieve passages, stream a grounded answer, persist
// the turn. It holds no per-request state; collaborators are injected so
// tests can substitute deterministic fakes.
type QAService struct {
	llm       LanguageModel
	retriever Retriever
	history   ChatHistory
	archiver  Archiver
	topK      int
}

func NewQAService(llm LanguageModel, retriever Retriever, history ChatHistory, archiver Archiver, topK int) *QAService {
	if topK <= 0 {
		topK = 4
	}
	return &QAService{
		llm:       llm,
		retriever: retriever,
		history:   history,
		archiver:  archiver,
		topK:      topK,
	}
}

type sourcePayload struct {
	model.Metadata
	PageContent string `json:"page_content"`
}

// Ask executes one turn, calling emit once per stream payload in wire order:
// the session marker, then one source per retrieved passage (or a single
// empty source), then newline-free answer segments, then the done marker.
// On any error the stream simply stops: no done marker, nothing persisted.
// An emit error (client gone) aborts the turn the same way.
func (s *QAService) Ask(ctx context.Context, question, sessionID string, emit func(payload string) error) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return ErrQuestionEmpty
	}

	// Session marker first, before any model work, so the client can bind a
	// fresh session before the first token arrives.
	if err := emit(SessionIDTag + " " + sessionID); err != nil {
		return err
	}

	chatHistory, err := s.history.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load chat history failed: %w", err)
	}

	// With prior turns the raw question may lean on context the retriever
	// cannot see; rewrite it into a standalone one. A condensation failure
	// aborts the turn: retrieving with the raw question would silently
	// corrupt grounding.
	query := question
	if len(chatHistory) > 0 {
		condensePrompt, err := prompt.Condense(question, chatHistory)
		if err != nil {
			return err
		}
		condensed, err := s.llm.Complete(ctx, condensePrompt)
		if err != nil {
			return fmt.Errorf("condense question failed: %w", err)
		}
		query = strings.TrimSpace(condensed)
	}

	passages, err := s.retriever.Search(ctx, query, s.topK)
	if err != nil {
		return fmt.Errorf("retrieve passages failed: %w", err)
	}

	var qaPrompt string
	if len(passages) > 0 {
		for _, passage := range passages {
			payload, err := json.Marshal(sourcePayload{
				Metadata:    passage.Metadata,
				PageContent: passage.Content,
			})
			if err != nil {
				return fmt.Errorf("marshal source payload failed: %w", err)
			}
			if err := emit(SourceTag + " " + string(payload)); err != nil {
				return err
			}
		}
		qaPrompt, err = prompt.Grounded(question, passages, chatHistory)
	} else {
		if err := emit(SourceTag + " {}"); err != nil {
			return err
		}
		qaPrompt, err = prompt.Ungrounded(question, chatHistory)
	}
	if err != nil {
		return err
	}

	// Segments go out as they arrive; the wire framing reserves newlines, so
	// they are flattened to spaces on emit while the answer accumulates the
	// original text for persistence.
	answer, err := s.llm.Stream(ctx, qaPrompt, func(segment string) error {
		return emit(strings.ReplaceAll(segment, "\n", " "))
	})
	if err != nil {
		return fmt.Errorf("generate answer failed: %w", err)
	}

	if err := emit(DoneTag); err != nil {
		return err
	}

	// Persist only now: a turn that died mid-stream must leave no trace in
	// history (user message included, to keep turns paired).
	if err := s.history.AppendUser(ctx, sessionID, question); err != nil {
		return fmt.Errorf("persist user message failed: %w", err)
	}
	if err := s.history.AppendAI(ctx, sessionID, answer); err != nil {
		return fmt.Errorf("persist assistant message failed: %w", err)
	}

	s.archive(ctx, sessionID, question, answer)
	return nil
}

// archive is write-behind and best-effort: the Redis history above is what
// future turns condense against, the MySQL copy is bookkeeping.
func (s *QAService) archive(ctx context.Context, sessionID, question, answer string) {
	if s.archiver == nil {
		return
	}
	now := time.Now()
	for _, msg := range []model.ArchivedMessage{
		{SessionID: sessionID, Role: model.RoleUser, Content: question, CreatedAt: now},
		{SessionID: sessionID, Role: model.RoleAssistant, Content: answer, CreatedAt: now},
	} {
		if err := s.archiver.Publish(ctx, msg); err != nil {
			log.Printf("archive %s message for session %s failed: %v", msg.Role, sessionID, err)
		}
	}
}
