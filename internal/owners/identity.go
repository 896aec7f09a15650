package owners

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to the canonical Tempo owner id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	OwnerID     string    `gorm:"column:owner_id;size:64;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing owner identities.
func (Identity) TableName() string {
	return "owner_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
