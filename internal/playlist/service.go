package playlist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidArgument indicates a blank playlist id or out-of-bounds paging parameters.
	ErrInvalidArgument = errors.New("playlist: invalid argument")
	// ErrNotFound indicates an operation against a playlist or snapshot that does not exist.
	ErrNotFound = errors.New("playlist: not found")
	// ErrAlreadyExists indicates a create against an id that is already taken.
	ErrAlreadyExists = errors.New("playlist: already exists")
	// ErrStorage indicates an underlying transaction or query failure.
	ErrStorage = errors.New("playlist: storage failure")
	// ErrInvariantViolation indicates derived pagination state that no generation branch can explain.
	ErrInvariantViolation = errors.New("playlist: invariant violation")
	// ErrServiceClosed indicates a call after Dispose.
	ErrServiceClosed = errors.New("playlist: service disposed")

	errMissingDatabase  = errors.New("database handle is required")
	errMissingAllocator = errors.New("id allocator is required")
	noOpLogger          = zap.NewNop()
)

const (
	opServiceNew     = "playlist.service.new"
	opSynchronize    = "playlist.synchronize_or_create"
	opGet            = "playlist.get"
	opCreate         = "playlist.create"
	opUpdate         = "playlist.update"
	opGetOrCreate    = "playlist.get_or_create"
	opUpdateOrCreate = "playlist.update_or_create"
	opObserve        = "playlist.observe_changes"
	opPagedItems     = "playlist.get_paged_items"
)

const (
	defaultBucketSize   = 10
	defaultMaxPageLimit = 50
	defaultMaxInFlight  = 8
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig captures the dependencies of the playlist repository.
type ServiceConfig struct {
	Database     *gorm.DB
	Allocator    IDAllocator
	Logger       *zap.Logger
	BucketSize   int
	MaxPageLimit int
	MaxInFlight  int
}

// Service owns playlist lifecycle: it merges proposed states through the
// reconciler, maintains the derived bucket index, and fans committed states
// out to observers. Every mutating call is one store transaction.
type Service struct {
	db           *gorm.DB
	allocator    IDAllocator
	logger       *zap.Logger
	hub          *changeHub
	bucketSize   int
	maxPageLimit int
	gate         chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Allocator == nil {
		return nil, newServiceError(opServiceNew, "missing_allocator", errMissingAllocator)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	bucketSize := cfg.BucketSize
	if bucketSize <= 0 {
		bucketSize = defaultBucketSize
	}
	maxPageLimit := cfg.MaxPageLimit
	if maxPageLimit <= 0 {
		maxPageLimit = defaultMaxPageLimit
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	return &Service{
		db:           cfg.Database,
		allocator:    cfg.Allocator,
		logger:       logger,
		hub:          newChangeHub(),
		bucketSize:   bucketSize,
		maxPageLimit: maxPageLimit,
		gate:         make(chan struct{}, maxInFlight),
		closed:       make(chan struct{}),
	}, nil
}

// Dispose releases the observer hub and rejects subsequent calls.
func (s *Service) Dispose() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.Close()
	})
}

// SynchronizeOrCreate merges the proposed state into the live playlist,
// creating it when absent, and returns the committed state. A proposal
// identical to the live state commits nothing and keeps the snapshot id.
func (s *Service) SynchronizeOrCreate(ctx context.Context, proposed Playlist) (Playlist, error) {
	return s.apply(ctx, opSynchronize, proposed, requireNothing)
}

// Create persists a brand-new playlist; it fails when the id is taken.
func (s *Service) Create(ctx context.Context, proposed Playlist) (Playlist, error) {
	return s.apply(ctx, opCreate, proposed, requireAbsent)
}

// Update merges the proposed state into an existing playlist; it fails when
// the playlist does not exist. A nil Items slice leaves contents untouched.
func (s *Service) Update(ctx context.Context, proposed Playlist) (Playlist, error) {
	return s.apply(ctx, opUpdate, proposed, requirePresent)
}

// UpdateOrCreate behaves like Update but creates the playlist when missing.
func (s *Service) UpdateOrCreate(ctx context.Context, proposed Playlist) (Playlist, error) {
	return s.apply(ctx, opUpdateOrCreate, proposed, requireNothing)
}

// GetOrCreate returns the live state when the playlist exists, otherwise
// creates it from the proposal.
func (s *Service) GetOrCreate(ctx context.Context, proposed Playlist) (Playlist, error) {
	return s.apply(ctx, opGetOrCreate, proposed, preferExisting)
}

// Get returns the current committed state for the playlist id.
func (s *Service) Get(ctx context.Context, playlistID string) (Playlist, error) {
	id, err := NewPlaylistID(playlistID)
	if err != nil {
		return Playlist{}, newServiceError(opGet, "invalid_playlist_id", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	var state Playlist
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadState(tx, id.String())
		if err != nil {
			return err
		}
		state = loaded
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Playlist{}, newServiceError(opGet, "not_found", err)
		}
		s.logError(opGet, "query_failed", err, zap.String("playlist_id", id.String()))
		return Playlist{}, newServiceError(opGet, "query_failed", fmt.Errorf("%w: %v", ErrStorage, err))
	}
	return state, nil
}

// ObserveChanges emits the current committed state followed by every
// subsequent commit for the playlist id. The stream never completes on its
// own; the returned cancel function (or the context) releases it.
func (s *Service) ObserveChanges(ctx context.Context, playlistID string) (<-chan Playlist, func(), error) {
	id, err := NewPlaylistID(playlistID)
	if err != nil {
		return nil, nil, newServiceError(opObserve, "invalid_playlist_id", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	select {
	case <-s.closed:
		return nil, nil, newServiceError(opObserve, "disposed", ErrServiceClosed)
	default:
	}

	subscriber, cancel := s.hub.subscribe(ctx, id.String())
	go func() {
		state, err := s.Get(ctx, id.String())
		if err != nil {
			return
		}
		s.hub.offer(subscriber, state)
	}()
	return subscriber.stream, cancel, nil
}

type presenceRequirement int

const (
	requireNothing presenceRequirement = iota
	requireAbsent
	requirePresent
	preferExisting
)

func (s *Service) apply(ctx context.Context, operation string, proposed Playlist, requirement presenceRequirement) (Playlist, error) {
	id, err := NewPlaylistID(proposed.ID)
	if err != nil {
		return Playlist{}, newServiceError(operation, "invalid_playlist_id", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}
	proposed.ID = id.String()

	if err := s.acquire(ctx); err != nil {
		return Playlist{}, newServiceError(operation, "rejected", err)
	}
	defer s.release()

	var committed Playlist
	var mutated bool

	// The caller context gates admission only: once the transaction begins it
	// runs to completion, so a late cancellation never truncates a commit.
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		live, liveItems, err := loadRecords(tx, proposed.ID, true)
		if err != nil {
			return err
		}

		switch requirement {
		case requireAbsent:
			if live != nil {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, proposed.ID)
			}
		case requirePresent:
			if live == nil {
				return fmt.Errorf("%w: %s", ErrNotFound, proposed.ID)
			}
		case preferExisting:
			if live != nil {
				committed = assembleState(*live, liveItems)
				return nil
			}
		}

		if proposed.Items == nil && live != nil {
			proposed.Items = itemsView(liveItems)
		}

		nextStorage := func() (string, error) { return s.allocator.Next(tx, counterPlaylistItem) }
		nextItem := func() (string, error) { return s.allocator.Next(tx, itemCounterName(proposed.ID)) }
		outcome, err := mergeContents(live, liveItems, proposed, nextStorage, nextItem)
		if err != nil {
			return err
		}

		if !outcome.Changed {
			committed = assembleState(outcome.Record, outcome.Items)
			return nil
		}

		if err := persistOutcome(tx, outcome); err != nil {
			return err
		}

		// Round-trip through the store so the caller sees exactly what was
		// committed.
		header, items, err := loadRecords(tx, proposed.ID, false)
		if err != nil {
			return err
		}
		if header == nil {
			return fmt.Errorf("%w: playlist vanished inside transaction", ErrInvariantViolation)
		}
		committed = assembleState(*header, items)
		mutated = true
		return nil
	})
	if txErr != nil {
		reason := "transaction_failed"
		switch {
		case errors.Is(txErr, ErrNotFound):
			reason = "not_found"
		case errors.Is(txErr, ErrAlreadyExists):
			reason = "already_exists"
		case errors.Is(txErr, ErrInvariantViolation):
			reason = "invariant_violation"
		default:
			txErr = fmt.Errorf("%w: %v", ErrStorage, txErr)
		}
		s.logError(operation, reason, txErr, zap.String("playlist_id", proposed.ID))
		return Playlist{}, newServiceError(operation, reason, txErr)
	}

	if mutated {
		s.hub.Publish(committed)
	}
	return committed, nil
}

func persistOutcome(tx *gorm.DB, outcome mergeOutcome) error {
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&outcome.Record).Error; err != nil {
		return err
	}
	for i := range outcome.Deletes {
		if err := tx.Where("storage_id = ?", outcome.Deletes[i].StorageID).Delete(&ItemRecord{}).Error; err != nil {
			return err
		}
	}
	for i := range outcome.Items {
		record := outcome.Items[i]
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
			return err
		}
	}
	// Buckets for superseded snapshots are unreachable; drop them in the same
	// transaction that advances the snapshot.
	return tx.Where("playlist_id = ? AND snapshot_id <> ?", outcome.Record.PlaylistID, outcome.Record.SnapshotID).
		Delete(&BucketRecord{}).Error
}

func loadRecords(tx *gorm.DB, playlistID string, forUpdate bool) (*Record, []ItemRecord, error) {
	query := tx
	if forUpdate {
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var header Record
	err := query.Where("playlist_id = ?", playlistID).Take(&header).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var items []ItemRecord
	if err := tx.Where("playlist_id = ?", playlistID).Order("position ASC").Find(&items).Error; err != nil {
		return nil, nil, err
	}
	return &header, items, nil
}

func loadState(tx *gorm.DB, playlistID string) (Playlist, error) {
	header, items, err := loadRecords(tx, playlistID, false)
	if err != nil {
		return Playlist{}, err
	}
	if header == nil {
		return Playlist{}, fmt.Errorf("%w: %s", ErrNotFound, playlistID)
	}
	return assembleState(*header, items), nil
}

func assembleState(header Record, items []ItemRecord) Playlist {
	return Playlist{
		ID:          header.PlaylistID,
		SnapshotID:  header.SnapshotID,
		DisplayName: header.DisplayName,
		OwnerID:     header.OwnerID,
		Items:       itemsView(items),
	}
}

func itemsView(items []ItemRecord) []Item {
	view := make([]Item, 0, len(items))
	for _, record := range items {
		view = append(view, Item{ID: record.ItemID, ContentID: record.ContentID})
	}
	return view
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrServiceClosed
	default:
	}
	select {
	case s.gate <- struct{}{}:
		return nil
	case <-s.closed:
		return ErrServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.gate
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("playlist service error", attrs...)
}
