package accounts

import (
	"strings"
	"time"
)

// Identity maps a provider login onto the canonical account id used across the marketplace.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing account identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Models lists the account tables for schema migration.
func Models() []any {
	return []any{&Identity{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
