package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/backend/internal/playlist"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newMigrationsDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tempo_migrations_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&playlist.Record{}, &playlist.BucketRecord{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedBucket(t *testing.T, db *gorm.DB, playlistID, snapshotID string, bucketIndex int) {
	t.Helper()
	bucket := playlist.BucketRecord{
		PlaylistID:  playlistID,
		SnapshotID:  snapshotID,
		BucketIndex: bucketIndex,
		FirstIndex:  bucketIndex * 10,
		LastIndex:   bucketIndex*10 + 9,
		Capacity:    10,
		ItemIDsJSON: "[]",
	}
	if err := db.Create(&bucket).Error; err != nil {
		t.Fatalf("failed to seed bucket: %v", err)
	}
}

func TestDropOrphanedBuckets(t *testing.T) {
	db := newMigrationsDB(t)

	header := playlist.Record{PlaylistID: "pl-1", SnapshotID: "2", DisplayName: "Live", OwnerID: "owner-1"}
	if err := db.Create(&header).Error; err != nil {
		t.Fatalf("failed to seed playlist: %v", err)
	}
	seedBucket(t, db, "pl-1", "2", 0)
	seedBucket(t, db, "pl-1", "1", 1)
	seedBucket(t, db, "pl-gone", "1", 0)

	if err := dropOrphanedBuckets(db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var remaining []playlist.BucketRecord
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to load buckets: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected only the current-snapshot bucket to survive, got %d rows", len(remaining))
	}
	if remaining[0].PlaylistID != "pl-1" || remaining[0].SnapshotID != "2" {
		t.Fatalf("wrong bucket survived: %#v", remaining[0])
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := newMigrationsDB(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationDropOrphanedBuckets).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one migration record, got %d", count)
	}
}
