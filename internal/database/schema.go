package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	UserRole      string = "user"
	AssistantRole string = "assistant"
)

// DefaultChatTitle is the placeholder every chat starts with. It is only
// ever replaced once by the automatic title path; explicit renames lock
// the title permanently.
const DefaultChatTitle = "ახალი საუბარი"

type ChatSession struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ActorScope string    `gorm:"index;not null" json:"-"`

	Title       string `gorm:"not null" json:"title"`
	TitleLocked bool   `gorm:"default:false" json:"titleLocked"`

	// NextSeq is the append counter handed to the next message. Kept on
	// the session row so appends stay O(1) and ordering never depends on
	// timestamps alone.
	NextSeq int64 `gorm:"default:0" json:"-"`

	CreatedAt time.Time `json:"createdAt"`

	Messages []ChatMessage `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"-"`
}

type ChatMessage struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChatID uuid.UUID `gorm:"type:uuid;not null;index:idx_chat_seq,priority:1"`

	Role    string `gorm:"size:20;not null"`
	Content string
	Seq     int64 `gorm:"not null;index:idx_chat_seq,priority:2"`

	Timestamp time.Time

	ImageURL  string         `gorm:"column:image_url"`
	ImageURLs datatypes.JSON `gorm:"column:image_urls"`
}

// ActiveChat remembers which chat an actor last had open.
type ActiveChat struct {
	ActorScope string    `gorm:"primaryKey"`
	ChatID     uuid.UUID `gorm:"type:uuid"`
}

// UsageRecord holds one actor's consumption counters. DayKey and
// MonthKey name the window the counters belong to; a key mismatch on
// read means the window rolled over and the counter is replaced, never
// summed.
type UsageRecord struct {
	ActorScope string `gorm:"primaryKey"`

	DayKey      string `gorm:"size:10"`
	DailyTokens int64  `gorm:"default:0"`

	MonthKey      string `gorm:"size:7"`
	MonthlyTokens int64  `gorm:"default:0"`
	Images        int64  `gorm:"default:0"`

	UpdatedAt time.Time
}

type GeneratedImage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActorScope string    `gorm:"index;not null"`
	Prompt     string
	URL        string
	CreatedAt  time.Time
}
