package models

import (
	"time"

	"gorm.io/datatypes"
)

// EditOperation captures a single submitted edit against a session. The
// sequence number is assigned exactly once by the operation sequencer; rows
// that lost the version race keep a NULL sequence number and a conflicted
// status until an explicit resolution.
type EditOperation struct {
	BaseModel

	SessionID          string         `gorm:"type:uuid;not null;index:idx_operations_session;uniqueIndex:idx_operations_session_seq" json:"session_id"`
	AuthorID           string         `gorm:"type:uuid;not null;index" json:"author_id"`
	Type               string         `gorm:"type:varchar(16);not null" json:"type"`
	Payload            datatypes.JSON `gorm:"type:json;not null" json:"payload"`
	BaseVersion        int64          `gorm:"not null" json:"base_version"`
	SequenceNumber     *int64         `gorm:"uniqueIndex:idx_operations_session_seq" json:"sequence_number,omitempty"`
	Status             string         `gorm:"type:varchar(16);not null;index" json:"status"`
	TransformedPayload datatypes.JSON `gorm:"type:json" json:"transformed_payload,omitempty"`
	ResolvedByUserID   *string        `gorm:"type:uuid" json:"resolved_by_user_id,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`

	Session *CollabSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	Author  *User          `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
}

// CollaborationEvent is an append-only audit record of auxiliary session
// activity (comments, lifecycle transitions). Rows are never mutated or
// deleted while the session exists.
type CollaborationEvent struct {
	BaseModel

	SessionID string         `gorm:"type:uuid;not null;index" json:"session_id"`
	AuthorID  string         `gorm:"type:uuid;not null;index" json:"author_id"`
	EventType string         `gorm:"type:varchar(32);not null;index" json:"event_type"`
	Payload   datatypes.JSON `gorm:"type:json" json:"payload,omitempty"`

	Session *CollabSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	Author  *User          `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
}
