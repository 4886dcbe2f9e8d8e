package session

import "time"

// ChatRoom is one conversation session. IDs are auto-increment and are the
// integer form of the chat_room_id string stamped on graph nodes.
type ChatRoom struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	AccountID string    `gorm:"size:64;not null;index" json:"accountId"`
	Starred   bool      `gorm:"not null;default:false" json:"starred"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (ChatRoom) TableName() string {
	return "chat_rooms"
}

// Separation statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Separation step markers, recorded after each mutation commits so a retry
// can resume instead of redoing work. Snapshot and claim happen before any
// mutation and have no marker.
const (
	StepNone            = 0
	StepDetached        = 1
	StepSessionCreated  = 2
	StepFragmentsCopied = 3
	StepRescoped        = 4
)

// SeparationRecord is the durable audit entry for one separation attempt.
// The unique index on SourceNodeID is the exclusivity marker: of two
// concurrent attempts on the same node, only one insert wins.
type SeparationRecord struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceNodeID      string    `gorm:"size:191;not null;uniqueIndex" json:"sourceNodeId"`
	AccountID         string    `gorm:"size:64;not null;index" json:"accountId"`
	OriginalSessionID string    `gorm:"size:64;not null" json:"originalSessionId"`
	NewSessionID      int64     `json:"newSessionId"`
	Status            string    `gorm:"size:16;not null" json:"status"`
	LastCompletedStep int       `gorm:"not null" json:"lastCompletedStep"`
	SkippedFragments  string    `gorm:"type:text" json:"skippedFragments,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (SeparationRecord) TableName() string {
	return "separation_records"
}
