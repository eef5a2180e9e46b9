package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/PonyNotes-IO/PonyNotes-Cloud-New/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveUIDStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	uid, err := service.ResolveUID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if uid == 0 {
		t.Fatalf("expected a uid to be assigned")
	}

	// second call should hit cache and not create a duplicate record.
	again, err := service.ResolveUID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again != uid {
		t.Fatalf("expected uid to remain stable, got %d and %d", uid, again)
	}

	var identity Identity
	if err := db.Where("provider = ? AND subject = ?", "google", "12345").Take(&identity).Error; err != nil {
		t.Fatalf("expected identity row: %v", err)
	}
	if identity.UID != uid {
		t.Fatalf("identity uid %d does not match %d", identity.UID, uid)
	}
}

func TestResolveUIDSeparatesProviders(t *testing.T) {
	service, _ := newTestService(t)

	first, err := service.ResolveUID(context.Background(), auth.SessionClaims{UserID: "google:1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, err := service.ResolveUID(context.Background(), auth.SessionClaims{UserID: "github:1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct uids for distinct providers")
	}

	if _, err := service.ResolveUID(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
