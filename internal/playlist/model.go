package playlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPlaylistID indicates that a playlist identifier is empty or exceeds storage bounds.
	ErrInvalidPlaylistID = errors.New("playlist: invalid playlist id")
	// ErrInvalidSnapshotID indicates that a snapshot identifier does not parse as a base-10 integer.
	ErrInvalidSnapshotID = errors.New("playlist: invalid snapshot id")
)

// PlaylistID represents a validated playlist identifier.
type PlaylistID string

// NewPlaylistID validates raw input and returns a PlaylistID.
func NewPlaylistID(rawInput string) (PlaylistID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPlaylistID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPlaylistID, maxIdentifierLength)
	}
	return PlaylistID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PlaylistID) String() string {
	return string(id)
}

// SnapshotID is a monotonic playlist version marker with base-10 integer semantics.
type SnapshotID string

const initialSnapshotID = SnapshotID("0")

// NewSnapshotID validates raw input and returns a SnapshotID.
func NewSnapshotID(rawInput string) (SnapshotID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := strconv.ParseInt(trimmed, 10, 64); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSnapshotID, rawInput)
	}
	return SnapshotID(trimmed), nil
}

// String returns the underlying string form.
func (id SnapshotID) String() string {
	return string(id)
}

// Next returns the snapshot identifier incremented by one.
func (id SnapshotID) Next() (SnapshotID, error) {
	value, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSnapshotID, string(id))
	}
	return SnapshotID(strconv.FormatInt(value+1, 10)), nil
}

// Item is the caller-facing view of one playlist entry. ID may be blank in a
// proposal, meaning the entry claims no pre-existing identity.
type Item struct {
	ID        string
	ContentID string
}

// Playlist is the caller-facing committed state of one playlist.
type Playlist struct {
	ID          string
	SnapshotID  string
	DisplayName string
	OwnerID     string
	Items       []Item
}

// Record is the persisted playlist header row.
type Record struct {
	PlaylistID  string `gorm:"column:playlist_id;primaryKey;size:190;not null"`
	SnapshotID  string `gorm:"column:snapshot_id;size:32;not null;default:'0'"`
	DisplayName string `gorm:"column:display_name;size:320;not null;default:''"`
	OwnerID     string `gorm:"column:owner_id;size:190;not null;default:'';index"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "playlists"
}

// ItemRecord is one persisted playlist entry. StorageID is the internal
// primary key; ItemID is the logical identity that survives moves.
type ItemRecord struct {
	StorageID  string `gorm:"column:storage_id;primaryKey;size:64;not null"`
	PlaylistID string `gorm:"column:playlist_id;size:190;not null;index:idx_items_playlist_position,priority:1"`
	ItemID     string `gorm:"column:item_id;size:64;not null;index"`
	ContentID  string `gorm:"column:content_id;size:190;not null"`
	Position   int    `gorm:"column:position;not null;index:idx_items_playlist_position,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ItemRecord) TableName() string {
	return "playlist_items"
}

// BucketRecord is one derived pagination bucket: an ordered slice of logical
// item ids covering [FirstIndex, LastIndex] of the playlist at one snapshot.
type BucketRecord struct {
	PlaylistID  string `gorm:"column:playlist_id;primaryKey;size:190;not null"`
	SnapshotID  string `gorm:"column:snapshot_id;primaryKey;size:32;not null"`
	BucketIndex int    `gorm:"column:bucket_index;primaryKey;not null"`
	FirstIndex  int    `gorm:"column:first_index;not null"`
	LastIndex   int    `gorm:"column:last_index;not null"`
	Capacity    int    `gorm:"column:capacity;not null"`
	ItemIDsJSON string `gorm:"column:item_ids_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BucketRecord) TableName() string {
	return "playlist_buckets"
}

func (b *BucketRecord) itemIDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(b.ItemIDsJSON), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (b *BucketRecord) setItemIDs(ids []string) error {
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	b.ItemIDsJSON = string(encoded)
	return nil
}

// CounterRecord backs the monotonic id allocator. Value holds the last
// issued number for the named counter.
type CounterRecord struct {
	Name  string `gorm:"column:name;primaryKey;size:190;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CounterRecord) TableName() string {
	return "id_counters"
}

// Page is the result of a paged read: at most the requested limit of items,
// in playlist order, all drawn from one snapshot.
type Page struct {
	PlaylistID string
	SnapshotID string
	Offset     int
	Items      []Item
}
