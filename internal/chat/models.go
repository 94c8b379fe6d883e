package chat

import "time"

// Turn is one finished question/answer exchange. IDs are assigned by the
// store in insertion order, so ascending id is chronological order.
type Turn struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Query         string    `gorm:"type:text;not null" json:"query"`
	Answer        string    `gorm:"type:text;not null" json:"answer"`
	UsedKnowledge bool      `gorm:"not null" json:"used_knowledge"`
	SourceURL     *string   `gorm:"type:text" json:"source_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Turn) TableName() string { return "conversation_turns" }
