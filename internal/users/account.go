package users

import (
	"strings"
	"time"
)

// Account is a username/password login for the document server.
type Account struct {
	Username     string    `gorm:"column:username;primaryKey;size:190;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:128;not null"`
	LastSeenAt   time.Time `gorm:"column:last_seen_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "user_accounts"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
