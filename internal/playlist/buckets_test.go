package playlist

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func syncedPlaylist(t *testing.T, service *Service, playlistID string, count int) Playlist {
	t.Helper()
	state, err := service.SynchronizeOrCreate(context.Background(), proposalOfSize(playlistID, count))
	if err != nil {
		t.Fatalf("failed to seed playlist: %v", err)
	}
	return state
}

func assertContentRange(t *testing.T, page Page, first, count int) {
	t.Helper()
	if len(page.Items) != count {
		t.Fatalf("expected %d items, got %d", count, len(page.Items))
	}
	for i, item := range page.Items {
		expected := fmt.Sprintf("content-%d", first+i)
		if item.ContentID != expected {
			t.Fatalf("item %d: expected %s, got %s", i, expected, item.ContentID)
		}
	}
}

func TestPagedItemsAlignedWindow(t *testing.T) {
	service, db := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 37)

	page, err := service.GetPagedItems(context.Background(), state.ID, state.SnapshotID, 10, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertContentRange(t, page, 10, 10)

	var buckets []BucketRecord
	if err := db.Where("playlist_id = ?", state.ID).Order("bucket_index ASC").Find(&buckets).Error; err != nil {
		t.Fatalf("failed to load buckets: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected exactly 1 generated bucket, got %d", len(buckets))
	}
	if buckets[0].BucketIndex != 1 || buckets[0].FirstIndex != 10 || buckets[0].LastIndex != 19 {
		t.Fatalf("unexpected bucket shape: %#v", buckets[0])
	}
}

func TestPagedItemsShortTail(t *testing.T) {
	service, _ := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 37)

	page, err := service.GetPagedItems(context.Background(), state.ID, state.SnapshotID, 30, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertContentRange(t, page, 30, 7)
}

func TestPagedItemsMisalignedWindowSpansBuckets(t *testing.T) {
	service, db := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 37)

	page, err := service.GetPagedItems(context.Background(), state.ID, state.SnapshotID, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertContentRange(t, page, 5, 10)

	var buckets []BucketRecord
	if err := db.Where("playlist_id = ?", state.ID).Order("bucket_index ASC").Find(&buckets).Error; err != nil {
		t.Fatalf("failed to load buckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 generated buckets, got %d", len(buckets))
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i].FirstIndex <= buckets[i-1].LastIndex {
			t.Fatalf("buckets %d and %d overlap", i-1, i)
		}
	}
}

func TestPagedItemsBackfillsBeforeExistingBucket(t *testing.T) {
	service, db := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 37)
	ctx := context.Background()

	if _, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 10, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 5, 10)
	if err != nil {
		t.Fatalf("read before an existing bucket failed: %v", err)
	}
	assertContentRange(t, page, 5, 10)

	var head BucketRecord
	err = db.Where("playlist_id = ? AND snapshot_id = ? AND bucket_index = 0", state.ID, state.SnapshotID).
		Take(&head).Error
	if err != nil {
		t.Fatalf("expected the head bucket to be generated: %v", err)
	}
	if head.FirstIndex != 0 || head.LastIndex != 9 {
		t.Fatalf("unexpected head bucket shape: %#v", head)
	}
}

func TestPagedItemsFillsGapBetweenBuckets(t *testing.T) {
	service, db := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 37)
	ctx := context.Background()

	if _, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 20, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	page, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 5, 20)
	if err != nil {
		t.Fatalf("read across a coverage gap failed: %v", err)
	}
	assertContentRange(t, page, 5, 20)

	var buckets []BucketRecord
	if err := db.Where("playlist_id = ?", state.ID).Order("bucket_index ASC").Find(&buckets).Error; err != nil {
		t.Fatalf("failed to load buckets: %v", err)
	}
	if len(buckets) != 3 {
		t.Fatalf("expected buckets 0..2, got %d rows", len(buckets))
	}
	for i, bucket := range buckets {
		if bucket.BucketIndex != i || bucket.FirstIndex != i*10 {
			t.Fatalf("unexpected bucket at position %d: %#v", i, bucket)
		}
	}

	retried, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 5, 20)
	if err != nil {
		t.Fatalf("retry of the same window failed: %v", err)
	}
	assertContentRange(t, retried, 5, 20)
}

func TestPagedItemsReusesGeneratedBuckets(t *testing.T) {
	service, db := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 37)
	ctx := context.Background()

	if _, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 0, 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 0, 20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int64
	if err := db.Model(&BucketRecord{}).Where("playlist_id = ?", state.ID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count buckets: %v", err)
	}
	if count != 2 {
		t.Fatalf("repeated read must not regenerate buckets, got %d rows", count)
	}
}

func TestPagedItemsOffsetBeyondEnd(t *testing.T) {
	service, _ := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 5)

	page, err := service.GetPagedItems(context.Background(), state.ID, state.SnapshotID, 100, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected empty page beyond the end, got %d items", len(page.Items))
	}
}

func TestPagedItemsArgumentBounds(t *testing.T) {
	service, _ := newTestService(t)
	state := syncedPlaylist(t, service, "pl-1", 5)
	ctx := context.Background()

	cases := []struct {
		name   string
		offset int
		limit  int
	}{
		{name: "negative offset", offset: -1, limit: 10},
		{name: "zero limit", offset: 0, limit: 0},
		{name: "limit above maximum", offset: 0, limit: defaultMaxPageLimit + 1},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, testCase.offset, testCase.limit)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestPagedItemsUnknownPlaylist(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.GetPagedItems(context.Background(), "pl-missing", "1", 0, 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPagedItemsSupersededSnapshot(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	state := syncedPlaylist(t, service, "pl-1", 12)

	if _, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 0, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grown := echoProposal(state)
	grown.Items = append(grown.Items, Item{ContentID: "content-extra"})
	if _, err := service.SynchronizeOrCreate(ctx, grown); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 0, 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for superseded snapshot, got %v", err)
	}
}

func TestPagedItemsExtendsShortTailBucket(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	state := syncedPlaylist(t, service, "pl-1", 15)

	var items []ItemRecord
	if err := db.Where("playlist_id = ?", state.ID).Order("position ASC").Find(&items).Error; err != nil {
		t.Fatalf("failed to load items: %v", err)
	}
	ids := make([]string, 0, 5)
	for _, record := range items[:5] {
		ids = append(ids, record.ItemID)
	}
	short := BucketRecord{
		PlaylistID:  state.ID,
		SnapshotID:  state.SnapshotID,
		BucketIndex: 0,
		FirstIndex:  0,
		LastIndex:   4,
		Capacity:    defaultBucketSize,
	}
	if err := short.setItemIDs(ids); err != nil {
		t.Fatalf("failed to encode ids: %v", err)
	}
	if err := db.Create(&short).Error; err != nil {
		t.Fatalf("failed to seed bucket: %v", err)
	}

	page, err := service.GetPagedItems(ctx, state.ID, state.SnapshotID, 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertContentRange(t, page, 0, 10)

	var extended BucketRecord
	err = db.Where("playlist_id = ? AND snapshot_id = ? AND bucket_index = 0", state.ID, state.SnapshotID).
		Take(&extended).Error
	if err != nil {
		t.Fatalf("failed to reload bucket: %v", err)
	}
	if extended.LastIndex != 9 {
		t.Fatalf("expected tail bucket extended to index 9, got %d", extended.LastIndex)
	}
}
