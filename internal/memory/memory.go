package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/memvault/memvault/internal/policy"
	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

// Memory is one stored memory row owned by an internal user identifier
type Memory struct {
	ID      uuid.UUID
	OwnerID uuid.UUID
	Kind    string
	Content string
	Created time.Time
}

// Service handles memory row operations, consulting the authorization
// engine before every one
type Service struct {
	db     *database.PostgreSQL
	authz  *policy.Engine
	logger *logger.Logger
}

// NewService creates a new memory service
func NewService(db *database.PostgreSQL, authz *policy.Engine, logger *logger.Logger) *Service {
	return &Service{db: db, authz: authz, logger: logger}
}

// Add stores a memory row for an owner
func (s *Service) Add(ctx context.Context, principal policy.Principal, ownerID uuid.UUID, kind, content string) (*Memory, error) {
	if err := s.authz.Authorize(ctx, principal, "memory", policy.OpInsert, ownerID.String()); err != nil {
		return nil, err
	}

	var m Memory
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO memory (owner_id, kind, content)
		VALUES ($1, $2, $3)
		RETURNING memory_id, owner_id, kind, content, created`,
		ownerID, kind, content).Scan(&m.ID, &m.OwnerID, &m.Kind, &m.Content, &m.Created)
	if err != nil {
		s.logger.Errorf("Failed to add memory: %v", err)
		return nil, fmt.Errorf("failed to add memory: %w", err)
	}
	return &m, nil
}

// List retrieves an owner's memory rows, newest first
func (s *Service) List(ctx context.Context, principal policy.Principal, ownerID uuid.UUID) ([]Memory, error) {
	if err := s.authz.Authorize(ctx, principal, "memory", policy.OpRead, ownerID.String()); err != nil {
		return nil, err
	}

	rows, err := s.db.Pool().Query(ctx,
		"SELECT memory_id, owner_id, kind, content, created FROM memory WHERE owner_id = $1 ORDER BY created DESC",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory: %w", err)
	}
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Kind, &m.Content, &m.Created); err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// Delete removes a memory row. The row's owner is looked up first so the
// authorization decision can compare it against the principal; that lookup
// is an internal consistency check and runs with full visibility.
func (s *Service) Delete(ctx context.Context, principal policy.Principal, id uuid.UUID) error {
	var ownerID uuid.UUID
	err := s.db.Pool().QueryRow(ctx, "SELECT owner_id FROM memory WHERE memory_id = $1", id).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.New("memory not found")
		}
		return fmt.Errorf("failed to look up memory owner: %w", err)
	}

	if err := s.authz.Authorize(ctx, principal, "memory", policy.OpDelete, ownerID.String()); err != nil {
		return err
	}

	tag, err := s.db.Pool().Exec(ctx, "DELETE FROM memory WHERE memory_id = $1", id)
	if err != nil {
		s.logger.Errorf("Failed to delete memory: %v", err)
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("memory not found")
	}
	return nil
}
