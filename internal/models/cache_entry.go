package models

import "time"

// CacheEntry represents a cached value stored in the database fallback.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     []byte    `gorm:"type:blob" json:"value"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
