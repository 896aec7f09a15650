package playlist

import (
	"errors"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	counterPlaylistItem = "playlist_item"
)

// IDAllocator mints unique, monotonically increasing string identifiers
// scoped by a counter name. Next must be called inside the transaction that
// persists the entity being named, so aborted transactions never leak ids.
type IDAllocator interface {
	Next(tx *gorm.DB, counterName string) (string, error)
}

type counterAllocator struct{}

// NewCounterAllocator constructs an IDAllocator backed by the id_counters table.
func NewCounterAllocator() IDAllocator {
	return &counterAllocator{}
}

func (a *counterAllocator) Next(tx *gorm.DB, counterName string) (string, error) {
	if counterName == "" {
		return "", errors.New("counter name is required")
	}

	var counter CounterRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", counterName).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = CounterRecord{Name: counterName, Value: 0}
		if err := tx.Create(&counter).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	}

	counter.Value++
	if err := tx.Model(&CounterRecord{}).
		Where("name = ?", counterName).
		Update("value", counter.Value).Error; err != nil {
		return "", err
	}

	return strconv.FormatInt(counter.Value, 10), nil
}

func itemCounterName(playlistID string) string {
	return "playlist_" + playlistID + "_item"
}
