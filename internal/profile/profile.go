package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/memvault/memvault/internal/policy"
	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

const cacheTTL = 5 * time.Minute

// Profile is the owned record that anchors a user's rows
type Profile struct {
	OwnerID     uuid.UUID              `json:"owner_id"`
	DisplayName *string                `json:"display_name"`
	Attributes  map[string]interface{} `json:"attributes"`
	Created     time.Time              `json:"created"`
	Updated     time.Time              `json:"updated"`
}

// Service handles profile operations with an optional redis read-through
// cache in front of reads
type Service struct {
	db     *database.PostgreSQL
	cache  *database.Redis
	authz  *policy.Engine
	logger *logger.Logger
}

// NewService creates a new profile service. cache may be nil; reads then go
// straight to the store.
func NewService(db *database.PostgreSQL, cache *database.Redis, authz *policy.Engine, logger *logger.Logger) *Service {
	return &Service{db: db, cache: cache, authz: authz, logger: logger}
}

func cacheKey(ownerID uuid.UUID) string {
	return "profile:" + ownerID.String()
}

// Get retrieves a profile, serving from cache when possible
func (s *Service) Get(ctx context.Context, principal policy.Principal, ownerID uuid.UUID) (*Profile, error) {
	if err := s.authz.Authorize(ctx, principal, "profiles", policy.OpRead, ownerID.String()); err != nil {
		return nil, err
	}

	if s.cache != nil {
		cached, err := s.cache.Client().Get(ctx, cacheKey(ownerID)).Bytes()
		if err == nil {
			var p Profile
			if err := json.Unmarshal(cached, &p); err == nil {
				return &p, nil
			}
			// Corrupt cache entries fall through to the store
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warnf("Profile cache read failed: %v", err)
		}
	}

	p, err := s.get(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	s.fillCache(ctx, p)
	return p, nil
}

func (s *Service) get(ctx context.Context, ownerID uuid.UUID) (*Profile, error) {
	var p Profile
	var attributes []byte
	err := s.db.Pool().QueryRow(ctx,
		"SELECT owner_id, display_name, attributes, created, updated FROM profiles WHERE owner_id = $1",
		ownerID).Scan(&p.OwnerID, &p.DisplayName, &attributes, &p.Created, &p.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("profile not found")
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if err := json.Unmarshal(attributes, &p.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode profile attributes: %w", err)
	}
	return &p, nil
}

func (s *Service) fillCache(ctx context.Context, p *Profile) {
	if s.cache == nil {
		return
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Client().Set(ctx, cacheKey(p.OwnerID), encoded, cacheTTL).Err(); err != nil {
		s.logger.Warnf("Profile cache write failed: %v", err)
	}
}

func (s *Service) invalidate(ctx context.Context, ownerID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Client().Del(ctx, cacheKey(ownerID)).Err(); err != nil {
		s.logger.Warnf("Profile cache invalidation failed: %v", err)
	}
}

// Update sets the display name and overlays attributes, invalidating the
// cache entry
func (s *Service) Update(ctx context.Context, principal policy.Principal, ownerID uuid.UUID, displayName *string, attributes map[string]interface{}) (*Profile, error) {
	if err := s.authz.Authorize(ctx, principal, "profiles", policy.OpUpdate, ownerID.String()); err != nil {
		return nil, err
	}

	patch, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}

	var p Profile
	var stored []byte
	err = s.db.Pool().QueryRow(ctx, `
		UPDATE profiles
		SET display_name = COALESCE($1, display_name),
		    attributes = attributes || $2::jsonb,
		    updated = CURRENT_TIMESTAMP
		WHERE owner_id = $3
		RETURNING owner_id, display_name, attributes, created, updated`,
		displayName, patch, ownerID).Scan(&p.OwnerID, &p.DisplayName, &stored, &p.Created, &p.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("profile not found")
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if err := json.Unmarshal(stored, &p.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode profile attributes: %w", err)
	}

	s.invalidate(ctx, ownerID)
	return &p, nil
}
