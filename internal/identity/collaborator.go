package identity

import (
	"strings"
	"time"
)

// Collaborator maps an authenticated user to a role on one asset. The first
// collaborator created for an asset is its owner; everyone else joins with the
// role they were invited with.
type Collaborator struct {
	AssetID     string    `gorm:"column:asset_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Role        string    `gorm:"column:role;size:32;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing asset collaborators.
func (Collaborator) TableName() string {
	return "asset_collaborators"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
