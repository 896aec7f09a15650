package owners

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("owners: invalid identity")

// Claims is the subset of a validated device token the resolver needs.
type Claims struct {
	Subject     string
	Provider    string
	DisplayName string
}

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Service manages canonical owner identifiers for provider-specific logins.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("owners: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:     cfg.Database,
		logger: logger,
		now:    clock,
	}, nil
}

// ResolveCanonicalOwnerID returns the canonical owner id for the provided
// claims, minting a fresh identity mapping when the provider+subject pair has
// not been seen before.
func (s *Service) ResolveCanonicalOwnerID(claims Claims) (string, error) {
	provider := normalize(claims.Provider)
	if provider == "" {
		provider = "device"
	}
	subject := normalize(claims.Subject)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if ownerID, ok := cached.(string); ok {
			return ownerID, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		minted, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			OwnerID:     minted.String(),
			DisplayName: normalize(claims.DisplayName),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if display := normalize(claims.DisplayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
		}
		// The refresh is best effort: resolution already has the owner id.
		err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
		if err != nil {
			s.logger.Warn("owner identity refresh failed",
				zap.Error(err),
				zap.String("provider", provider))
		}
	}

	s.cache.Store(cacheKey, identity.OwnerID)
	return identity.OwnerID, nil
}

// SplitQualifiedSubject splits a "provider:subject" pair, defaulting the
// provider when the raw value carries none.
func SplitQualifiedSubject(raw string) (string, string) {
	trimmed := normalize(raw)
	if trimmed == "" {
		return "", ""
	}
	if strings.Contains(trimmed, ":") {
		segments := strings.SplitN(trimmed, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			return normalize(segments[0]), normalize(segments[1])
		}
	}
	return "device", trimmed
}
