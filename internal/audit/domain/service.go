package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Entry describes an audit record. The actor defaults to the one carried by
// the context.
type Entry struct {
	SiteID     snowflake.ID
	ActorType  string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	ListByTarget(ctx context.Context, db *gorm.DB, targetType, targetID string) ([]AuditLog, error)
}

type Service interface {
	// Record writes entry using db, so the entry commits with the caller's
	// transaction. A nil db writes outside any transaction.
	Record(ctx context.Context, db *gorm.DB, entry Entry) error
	Trail(ctx context.Context, targetType, targetID string) ([]AuditLog, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidTarget = errors.New("invalid_target")
)
