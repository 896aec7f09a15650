package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropOrphanedBuckets = "2026-08-20_drop_orphaned_buckets"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanedBuckets, apply: dropOrphanedBuckets},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanedBuckets removes bucket rows written for snapshots that are no
// longer current. Newer builds delete these in the same transaction that
// advances the snapshot; this sweeps rows left behind before that behavior
// existed.
func dropOrphanedBuckets(db *gorm.DB) error {
	return db.Exec(
		"DELETE FROM playlist_buckets WHERE NOT EXISTS (" +
			"SELECT 1 FROM playlists WHERE playlists.playlist_id = playlist_buckets.playlist_id " +
			"AND playlists.snapshot_id = playlist_buckets.snapshot_id)",
	).Error
}
