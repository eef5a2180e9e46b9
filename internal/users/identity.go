package users

import (
	"strings"
	"time"
)

// User is the canonical account row. UID is the numeric identity used by the sync engine.
type User struct {
	UID         int64     `gorm:"column:uid;primaryKey;autoIncrement"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing accounts.
func (User) TableName() string {
	return "users"
}

// Identity maps a provider-specific login onto a canonical uid.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UID        int64     `gorm:"column:uid;not null;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
