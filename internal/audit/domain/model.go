package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AuditLog is one append-only entry of the audit trail.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	SiteID     snowflake.ID      `json:"site_id" gorm:"not null;index"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id,omitempty" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:text;not null"`
	TargetType string            `json:"target_type" gorm:"type:text;not null;index:idx_audit_target"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"type:text;index:idx_audit_target"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }
