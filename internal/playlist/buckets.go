package playlist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GetPagedItems serves an (offset, limit) window over the playlist contents
// at the requested snapshot, reading from the derived bucket index and
// lazily generating the buckets the window needs. Generation and the source
// read happen in one transaction, so concurrent requests cannot double-write
// a bucket. The returned page never exceeds the requested limit and never
// mixes two snapshots.
func (s *Service) GetPagedItems(ctx context.Context, playlistID, snapshotID string, offset, limit int) (Page, error) {
	id, err := NewPlaylistID(playlistID)
	if err != nil {
		return Page{}, newServiceError(opPagedItems, "invalid_playlist_id", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	snapshot, err := NewSnapshotID(snapshotID)
	if err != nil {
		return Page{}, newServiceError(opPagedItems, "invalid_snapshot_id", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	if offset < 0 {
		return Page{}, newServiceError(opPagedItems, "invalid_offset", fmt.Errorf("%w: offset %d", ErrInvalidArgument, offset))
	}
	if limit < 1 || limit > s.maxPageLimit {
		return Page{}, newServiceError(opPagedItems, "invalid_limit", fmt.Errorf("%w: limit %d (max %d)", ErrInvalidArgument, limit, s.maxPageLimit))
	}

	if err := s.acquire(ctx); err != nil {
		return Page{}, newServiceError(opPagedItems, "rejected", err)
	}
	defer s.release()

	page := Page{PlaylistID: id.String(), SnapshotID: snapshot.String(), Offset: offset}
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		var header Record
		err := tx.Where("playlist_id = ?", id.String()).Take(&header).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id.String())
		}
		if err != nil {
			return err
		}

		current := header.SnapshotID == snapshot.String()
		windowEnd := offset + limit

		if current {
			var total int64
			if err := tx.Model(&ItemRecord{}).Where("playlist_id = ?", id.String()).Count(&total).Error; err != nil {
				return err
			}
			if windowEnd > int(total) {
				windowEnd = int(total)
			}
			if offset >= int(total) {
				page.Items = []Item{}
				return nil
			}
			if err := s.ensureCoverage(tx, id.String(), snapshot.String(), offset, windowEnd, int(total)); err != nil {
				return err
			}
		}

		buckets, err := s.coveringBuckets(tx, id.String(), snapshot.String(), offset, windowEnd)
		if err != nil {
			return err
		}
		items, err := assemblePage(tx, id.String(), buckets, offset, limit, windowEnd, current)
		if err != nil {
			return err
		}
		if len(items) > limit {
			return fmt.Errorf("%w: page of %d exceeds limit %d", ErrInvariantViolation, len(items), limit)
		}
		page.Items = items
		return nil
	})
	if txErr != nil {
		reason := "transaction_failed"
		switch {
		case errors.Is(txErr, ErrNotFound):
			reason = "not_found"
		case errors.Is(txErr, ErrInvariantViolation):
			reason = "invariant_violation"
		default:
			txErr = fmt.Errorf("%w: %v", ErrStorage, txErr)
		}
		s.logError(opPagedItems, reason, txErr,
			zap.String("playlist_id", id.String()),
			zap.String("snapshot_id", snapshot.String()),
			zap.Int("offset", offset),
			zap.Int("limit", limit))
		return Page{}, newServiceError(opPagedItems, reason, txErr)
	}
	return page, nil
}

func (s *Service) coveringBuckets(tx *gorm.DB, playlistID, snapshotID string, offset, windowEnd int) ([]BucketRecord, error) {
	if windowEnd <= offset {
		return nil, nil
	}
	coveringCap := (windowEnd-1)/s.bucketSize - offset/s.bucketSize + 1
	var buckets []BucketRecord
	err := tx.Where("playlist_id = ? AND snapshot_id = ? AND last_index >= ? AND first_index < ?",
		playlistID, snapshotID, offset, windowEnd).
		Order("bucket_index ASC").
		Limit(coveringCap).
		Find(&buckets).Error
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// ensureCoverage generates the buckets the current snapshot needs to cover
// [offset, windowEnd). Every aligned bucket range in the window is produced
// independently, so a hole before or between previously generated buckets is
// filled by the read that needs it. Buckets are filled to capacity from the
// source rows; only the bucket touching the end of the playlist may run short.
func (s *Service) ensureCoverage(tx *gorm.DB, playlistID, snapshotID string, offset, windowEnd, total int) error {
	existing, err := s.coveringBuckets(tx, playlistID, snapshotID, offset, windowEnd)
	if err != nil {
		return err
	}
	byIndex := make(map[int]BucketRecord, len(existing))
	for _, bucket := range existing {
		byIndex[bucket.BucketIndex] = bucket
	}

	for start := (offset / s.bucketSize) * s.bucketSize; start < windowEnd && start < total; start += s.bucketSize {
		if bucket, ok := byIndex[start/s.bucketSize]; ok {
			ids, err := bucket.itemIDs()
			if err != nil {
				return err
			}
			if len(ids) < bucket.Capacity && bucket.LastIndex < total-1 {
				// An under-filled bucket gained more content at the same
				// snapshot; top it up before serving the window.
				if _, err := s.extendBucket(tx, playlistID, &bucket, ids); err != nil {
					return err
				}
			}
			continue
		}

		var source []ItemRecord
		err := tx.Where("playlist_id = ? AND position >= ?", playlistID, start).
			Order("position ASC").
			Limit(s.bucketSize).
			Find(&source).Error
		if err != nil {
			return err
		}
		if len(source) == 0 {
			break
		}
		ids := make([]string, 0, len(source))
		for _, record := range source {
			ids = append(ids, record.ItemID)
		}
		bucket := BucketRecord{
			PlaylistID:  playlistID,
			SnapshotID:  snapshotID,
			BucketIndex: start / s.bucketSize,
			FirstIndex:  start,
			LastIndex:   start + len(source) - 1,
			Capacity:    s.bucketSize,
		}
		if err := bucket.setItemIDs(ids); err != nil {
			return err
		}
		if err := tx.Create(&bucket).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) extendBucket(tx *gorm.DB, playlistID string, bucket *BucketRecord, ids []string) (BucketRecord, error) {
	missing := bucket.Capacity - len(ids)
	var source []ItemRecord
	err := tx.Where("playlist_id = ? AND position > ?", playlistID, bucket.LastIndex).
		Order("position ASC").
		Limit(missing).
		Find(&source).Error
	if err != nil {
		return BucketRecord{}, err
	}
	for _, record := range source {
		ids = append(ids, record.ItemID)
	}
	extended := *bucket
	extended.LastIndex = bucket.LastIndex + len(source)
	if err := extended.setItemIDs(ids); err != nil {
		return BucketRecord{}, err
	}
	err = tx.Model(&BucketRecord{}).
		Where("playlist_id = ? AND snapshot_id = ? AND bucket_index = ?", extended.PlaylistID, extended.SnapshotID, extended.BucketIndex).
		Updates(map[string]interface{}{"last_index": extended.LastIndex, "item_ids_json": extended.ItemIDsJSON}).Error
	if err != nil {
		return BucketRecord{}, err
	}
	return extended, nil
}

// assemblePage concatenates the covering buckets, drops the prefix before
// offset and truncates at limit. For a stale snapshot the buckets must fully
// cover the window (or visibly end at the playlist's old tail); anything
// else reads as the snapshot having been superseded.
func assemblePage(tx *gorm.DB, playlistID string, buckets []BucketRecord, offset, limit, windowEnd int, current bool) ([]Item, error) {
	if len(buckets) == 0 {
		if current {
			return []Item{}, nil
		}
		return nil, fmt.Errorf("%w: snapshot superseded", ErrNotFound)
	}

	orderedIDs := make([]string, 0, limit)
	expectedNext := -1
	for _, bucket := range buckets {
		ids, err := bucket.itemIDs()
		if err != nil {
			return nil, err
		}
		if bucket.LastIndex-bucket.FirstIndex+1 != len(ids) {
			return nil, fmt.Errorf("%w: bucket %d range [%d,%d] holds %d ids", ErrInvariantViolation, bucket.BucketIndex, bucket.FirstIndex, bucket.LastIndex, len(ids))
		}
		if expectedNext >= 0 && bucket.FirstIndex != expectedNext {
			return nil, fmt.Errorf("%w: bucket coverage gap at index %d", ErrInvariantViolation, expectedNext)
		}
		expectedNext = bucket.LastIndex + 1

		for i, itemID := range ids {
			position := bucket.FirstIndex + i
			if position < offset {
				continue
			}
			if position >= offset+limit {
				break
			}
			orderedIDs = append(orderedIDs, itemID)
		}
	}

	if buckets[0].FirstIndex > offset {
		return nil, fmt.Errorf("%w: window head uncovered at offset %d", ErrInvariantViolation, offset)
	}
	last := buckets[len(buckets)-1]
	if !current {
		lastIDs, err := last.itemIDs()
		if err != nil {
			return nil, err
		}
		fullTail := len(lastIDs) == last.Capacity
		if last.LastIndex < windowEnd-1 && fullTail {
			return nil, fmt.Errorf("%w: snapshot superseded", ErrNotFound)
		}
	}

	if len(orderedIDs) == 0 {
		return []Item{}, nil
	}

	var records []ItemRecord
	if err := tx.Where("playlist_id = ? AND item_id IN ?", playlistID, orderedIDs).Find(&records).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]ItemRecord, len(records))
	for _, record := range records {
		byID[record.ItemID] = record
	}

	items := make([]Item, 0, len(orderedIDs))
	for _, itemID := range orderedIDs {
		record, ok := byID[itemID]
		if !ok {
			return nil, fmt.Errorf("%w: snapshot superseded", ErrNotFound)
		}
		items = append(items, Item{ID: record.ItemID, ContentID: record.ContentID})
	}
	return items, nil
}
