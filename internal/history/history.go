package history

import (
	"context"
	"encoding/json"
	"fmt"

	redisv9 "github.com/redis/go-redis/v9"

	"govdoc-chat/internal/model"
)

// Store is the per-session chat log: an append-only Redis list keyed by
// session id. Sessions are created implicitly on first append; loading an
// unseen session yields an empty history. Safe for concurrent use across
// distinct sessions; a single session is assumed single-writer.
type Store struct {
	client *redisv9.Client
}

func NewStore(client *redisv9.Client) *Store {
	return &Store{client: client}
}

// Load returns the session's messages in insertion order.
func (s *Store) Load(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	entries, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load history failed: %w", err)
	}

	messages := make([]model.ChatMessage, 0, len(entries))
	for _, entry := range entries {
		var msg model.ChatMessage
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal history entry failed: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Store) AppendUser(ctx context.Context, sessionID, content string) error {
	return s.append(ctx, sessionID, model.ChatMessage{Role: model.RoleUser, Content: content})
}

func (s *Store) AppendAI(ctx context.Context, sessionID, content string) error {
	return s.append(ctx, sessionID, model.ChatMessage{Role: model.RoleAssistant, Content: content})
}

func (s *Store) append(ctx context.Context, sessionID string, msg model.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal history entry failed: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("redis append history failed: %w", err)
	}
	return nil
}

func (s *Store) key(sessionID string) string {
	return "chat:history:" + sessionID
}
