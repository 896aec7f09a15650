package owners

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newOwnersService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:tempo_owners_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct owners service: %v", err)
	}
	return service
}

func TestResolveMintsStableOwnerID(t *testing.T) {
	service := newOwnersService(t)
	claims := Claims{Subject: "device-123", Provider: "device", DisplayName: "Kitchen"}

	first, err := service.ResolveCanonicalOwnerID(claims)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a minted owner id")
	}

	second, err := service.ResolveCanonicalOwnerID(claims)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatalf("owner id must be stable: %s vs %s", first, second)
	}
}

func TestResolveDistinguishesProviders(t *testing.T) {
	service := newOwnersService(t)

	deviceOwner, err := service.ResolveCanonicalOwnerID(Claims{Subject: "id-1", Provider: "device"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	googleOwner, err := service.ResolveCanonicalOwnerID(Claims{Subject: "id-1", Provider: "google"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deviceOwner == googleOwner {
		t.Fatalf("same subject under different providers must not collide")
	}
}

func TestResolveSurvivesRefreshFailure(t *testing.T) {
	dsn := fmt.Sprintf("file:tempo_owners_ro_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access connection pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	seeded := Identity{Provider: "device", Subject: "device-123", OwnerID: "owner-fixed", LastSeenAt: time.Now()}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}

	core, logs := observer.New(zap.WarnLevel)
	service, err := NewService(ServiceConfig{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to construct owners service: %v", err)
	}

	if err := db.Exec("PRAGMA query_only = ON").Error; err != nil {
		t.Fatalf("failed to switch connection read-only: %v", err)
	}

	ownerID, err := service.ResolveCanonicalOwnerID(Claims{Subject: "device-123", Provider: "device"})
	if err != nil {
		t.Fatalf("resolution must survive a failed refresh: %v", err)
	}
	if ownerID != "owner-fixed" {
		t.Fatalf("expected seeded owner id, got %s", ownerID)
	}
	if logs.FilterMessage("owner identity refresh failed").Len() != 1 {
		t.Fatalf("expected the failed refresh to be logged at warn")
	}
}

func TestResolveRejectsBlankSubject(t *testing.T) {
	service := newOwnersService(t)

	_, err := service.ResolveCanonicalOwnerID(Claims{Subject: "   "})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestSplitQualifiedSubject(t *testing.T) {
	cases := []struct {
		raw      string
		provider string
		subject  string
	}{
		{raw: "google:abc", provider: "google", subject: "abc"},
		{raw: "abc", provider: "device", subject: "abc"},
		{raw: " device-9 ", provider: "device", subject: "device-9"},
		{raw: ":abc", provider: "device", subject: ":abc"},
		{raw: "", provider: "", subject: ""},
	}
	for _, testCase := range cases {
		provider, subject := SplitQualifiedSubject(testCase.raw)
		if provider != testCase.provider || subject != testCase.subject {
			t.Fatalf("split of %q: got (%s, %s), expected (%s, %s)",
				testCase.raw, provider, subject, testCase.provider, testCase.subject)
		}
	}
}
