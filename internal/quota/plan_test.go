package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/collab"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openQuotaDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&UserPlan{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestPlanLimitTable(testContext *testing.T) {
	service, err := NewService(ServiceConfig{})
	if err != nil {
		testContext.Fatalf("service: %v", err)
	}
	testCases := []struct {
		plan     Plan
		expected Limit
	}{
		{plan: PlanFree, expected: UnlimitedStorage()},
		{plan: PlanBasic, expected: Bytes(2 << 30)},
		{plan: PlanPro, expected: Bytes(10 << 30)},
		{plan: PlanTeam, expected: Bytes(20 << 30)},
		{plan: PlanAIMax, expected: Bytes(10 << 30)},
		{plan: PlanAILocal, expected: Bytes(10 << 30)},
	}
	for _, testCase := range testCases {
		if limit := service.LimitForPlan(testCase.plan); limit != testCase.expected {
			testContext.Fatalf("%s: expected %+v, got %+v", testCase.plan, testCase.expected, limit)
		}
	}
}

func TestLimitForUserUsesStoredPlanOrDefault(testContext *testing.T) {
	db := openQuotaDatabase(testContext)
	service, err := NewService(ServiceConfig{DefaultPlan: PlanBasic, Overrides: map[Plan]Limit{PlanTeam: Bytes(100)}})
	if err != nil {
		testContext.Fatalf("service: %v", err)
	}
	ctx := context.Background()

	limit, err := service.LimitForUser(ctx, db, 1)
	if err != nil || limit != Bytes(2<<30) {
		testContext.Fatalf("expected default basic limit, got %+v %v", limit, err)
	}
	if err := service.SetPlan(ctx, db, 1, PlanTeam, 1700000000); err != nil {
		testContext.Fatalf("set plan: %v", err)
	}
	limit, err = service.LimitForUser(ctx, db, 1)
	if err != nil || limit != Bytes(100) {
		testContext.Fatalf("expected overridden team limit, got %+v %v", limit, err)
	}
}

func TestEnsureCapacity(testContext *testing.T) {
	if err := EnsureCapacity(Bytes(10), 4, 6); err != nil {
		testContext.Fatalf("exact fit should pass: %v", err)
	}
	err := EnsureCapacity(Bytes(10), 5, 6)
	if !errors.Is(err, collab.ErrCapacityExceeded) || !errors.Is(err, ErrLimitExceeded) {
		testContext.Fatalf("expected capacity exceeded, got %v", err)
	}
	if err := EnsureCapacity(UnlimitedStorage(), 1<<60, 1<<60); err != nil {
		testContext.Fatalf("unlimited should pass: %v", err)
	}
	if _, err := NewService(ServiceConfig{DefaultPlan: "gold"}); !errors.Is(err, ErrUnknownPlan) {
		testContext.Fatalf("expected unknown plan error, got %v", err)
	}
}
