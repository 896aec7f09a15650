package playlist

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newCounterDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:tempo_counter_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CounterRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestCounterStartsAtOne(t *testing.T) {
	db := newCounterDB(t)
	allocator := NewCounterAllocator()

	err := db.Transaction(func(tx *gorm.DB) error {
		value, err := allocator.Next(tx, "first")
		if err != nil {
			return err
		}
		if value != "1" {
			t.Fatalf("expected first allocation to be 1, got %s", value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCounterIncrementsAcrossTransactions(t *testing.T) {
	db := newCounterDB(t)
	allocator := NewCounterAllocator()

	for i := 1; i <= 3; i++ {
		expected := fmt.Sprintf("%d", i)
		err := db.Transaction(func(tx *gorm.DB) error {
			value, err := allocator.Next(tx, "stream")
			if err != nil {
				return err
			}
			if value != expected {
				t.Fatalf("allocation %d: expected %s, got %s", i, expected, value)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestCounterNamesAreIsolated(t *testing.T) {
	db := newCounterDB(t)
	allocator := NewCounterAllocator()

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := allocator.Next(tx, "left"); err != nil {
			return err
		}
		if _, err := allocator.Next(tx, "left"); err != nil {
			return err
		}
		value, err := allocator.Next(tx, "right")
		if err != nil {
			return err
		}
		if value != "1" {
			t.Fatalf("expected independent counter to start at 1, got %s", value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCounterRollsBackWithTransaction(t *testing.T) {
	db := newCounterDB(t)
	allocator := NewCounterAllocator()
	abort := errors.New("abort")

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := allocator.Next(tx, "aborted"); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		value, err := allocator.Next(tx, "aborted")
		if err != nil {
			return err
		}
		if value != "1" {
			t.Fatalf("aborted transaction leaked an id: got %s", value)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCounterRequiresName(t *testing.T) {
	db := newCounterDB(t)
	allocator := NewCounterAllocator()

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := allocator.Next(tx, "")
		if err == nil {
			t.Fatalf("expected error for empty counter name")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
