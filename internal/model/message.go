package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry in a session's append-only history log.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ArchivedMessage is the durable copy of a chat message written to MySQL by
// the archive worker after a turn completes.
type ArchivedMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:64;not null;index" json:"session_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
