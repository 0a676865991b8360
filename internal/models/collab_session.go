package models

import (
	"time"

	"gorm.io/datatypes"
)

// CollabSession represents a bounded collaborative editing context over one
// content item. The Version column is the authoritative sequence counter for
// the session; it only ever advances through the operation sequencer.
type CollabSession struct {
	BaseModel

	Token       string     `gorm:"uniqueIndex;not null" json:"token"`
	Name        string     `gorm:"not null" json:"name"`
	ContentID   string     `gorm:"type:uuid;not null;index" json:"content_id"`
	Status      string     `gorm:"type:varchar(32);not null;index" json:"status"`
	Capacity    int        `gorm:"not null;default:0" json:"capacity"`
	OwnerUserID string     `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Version     int64      `gorm:"not null;default:0" json:"version"`
	StartedAt   *time.Time `gorm:"index" json:"started_at,omitempty"`
	EndedAt     *time.Time `gorm:"index" json:"ended_at,omitempty"`

	Owner        *User                `gorm:"foreignKey:OwnerUserID" json:"owner,omitempty"`
	Participants []SessionParticipant `gorm:"foreignKey:SessionID" json:"participants,omitempty"`
	Cursors      []CursorPosition     `gorm:"foreignKey:SessionID" json:"cursors,omitempty"`
	Operations   []EditOperation      `gorm:"foreignKey:SessionID" json:"operations,omitempty"`
	Events       []CollaborationEvent `gorm:"foreignKey:SessionID" json:"events,omitempty"`
}

// SessionParticipant stores per-user membership metadata within a session.
// Membership is unique per (session, user); leaving or being kicked is a soft
// removal so the row survives for audit and history.
type SessionParticipant struct {
	SessionID       string     `gorm:"type:uuid;primaryKey" json:"session_id"`
	UserID          string     `gorm:"type:uuid;primaryKey" json:"user_id"`
	PermissionLevel string     `gorm:"type:varchar(20);not null;index" json:"permission_level"`
	ColorIndex      int        `gorm:"not null;default:0" json:"color_index"`
	JoinedAt        time.Time  `gorm:"not null;index" json:"joined_at"`
	LastSeenAt      time.Time  `gorm:"index" json:"last_seen_at"`
	Online          bool       `gorm:"not null;default:false;index" json:"online"`
	LeftAt          *time.Time `gorm:"index" json:"left_at,omitempty"`
	CommentCount    int        `gorm:"not null;default:0" json:"comment_count"`
	KickedByUserID  *string    `gorm:"type:uuid" json:"kicked_by_user_id,omitempty"`
	KickReason      string     `json:"kick_reason,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// CursorPosition is the single per-(session,user) cursor record, overwritten
// in place on each update and deleted when the participant leaves.
type CursorPosition struct {
	SessionID string         `gorm:"type:uuid;primaryKey" json:"session_id"`
	UserID    string         `gorm:"type:uuid;primaryKey" json:"user_id"`
	Position  datatypes.JSON `gorm:"type:json" json:"position"`
	Color     string         `gorm:"type:varchar(16);not null" json:"color"`
	Typing    bool           `gorm:"not null;default:false" json:"typing"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
