package repository

import (
	"fmt"

	"gorm.io/gorm"

	"govdoc-chat/internal/model"
)

// MessageRepository is the MySQL archive of completed chat turns. It is
// write-behind bookkeeping: the live session history lives in Redis.
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(msg *model.ArchivedMessage) error {
	if err := r.db.Create(msg).Error; err != nil {
		return fmt.Errorf("create archived message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListBySessionID(sessionID string, limit int) ([]model.ArchivedMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var messages []model.ArchivedMessage
	if err := r.db.Where("session_id = ?", sessionID).Order("created_at ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list archived messages failed: %w", err)
	}
	return messages, nil
}
