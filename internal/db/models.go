package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Agent is one registered C2 agent: its identity, its handshake secret, and
// the last time and address it was seen at (spec.md §3's data model — the
// keystore and connection-registry state are process-memory only and have
// no table of their own). Secret is stored via EncryptedString (AES-256-GCM
// at rest) — the spec calls the secret sensitive and the teacher already
// has exactly this primitive for sensitive columns.
type Agent struct {
	base
	Name         string          `gorm:"uniqueIndex;not null"`
	Secret       EncryptedString `gorm:"type:text;not null"`
	LastSeenAt   *time.Time
	LastFromAddr string `gorm:"default:''"`
}
