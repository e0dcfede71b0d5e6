package service_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	auditrepo "github.com/smallbiznis/commerce/internal/audit/repository"
	auditservice "github.com/smallbiznis/commerce/internal/audit/service"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))
	return db
}

func TestRecordUsesContextActorAndSite(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	svc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(now),
		Repo:  auditrepo.Provide(),
	})

	ctx := sitecontext.WithSiteID(context.Background(), snowflake.ID(9))
	ctx = sitecontext.WithActor(ctx, sitecontext.Actor{Type: sitecontext.ActorStaff, ID: "staff_1"})

	require.NoError(t, svc.Record(ctx, nil, auditdomain.Entry{
		Action:     "subscription.cancel",
		TargetType: "subscription",
		TargetID:   "123",
		Metadata:   map[string]any{"reason": "customer request", "": "dropped"},
	}))

	trail, err := svc.Trail(context.Background(), "subscription", "123")
	require.NoError(t, err)
	require.Len(t, trail, 1)

	entry := trail[0]
	assert.Equal(t, snowflake.ID(9), entry.SiteID)
	assert.Equal(t, sitecontext.ActorStaff, entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "staff_1", *entry.ActorID)
	assert.Equal(t, "customer request", entry.Metadata["reason"])
	assert.NotContains(t, entry.Metadata, "")
	assert.True(t, entry.CreatedAt.Equal(now))
}

func TestRecordRejectsMissingAction(t *testing.T) {
	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.New(),
		Repo:  auditrepo.Provide(),
	})

	err = svc.Record(context.Background(), nil, auditdomain.Entry{TargetType: "subscription"})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}
