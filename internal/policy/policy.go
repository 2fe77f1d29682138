package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

// Operation enumerates row operations a policy can govern
type Operation string

const (
	OpRead   Operation = "read"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpAll    Operation = "all"
)

// PrincipalKind separates the trusted backend from end users
type PrincipalKind string

const (
	KindService PrincipalKind = "service"
	KindEndUser PrincipalKind = "end_user"
)

// Predicate is the row filter a policy applies
type Predicate string

const (
	// PredicateAlways admits every row
	PredicateAlways Predicate = "always"
	// PredicateOwnerMatch admits rows whose owner column equals the
	// principal's internal identifier
	PredicateOwnerMatch Predicate = "owner_match"
)

// Principal is the authenticated actor issuing a data-access request
type Principal struct {
	Kind PrincipalKind
	ID   string
}

// AccessPolicy grants a principal class an operation on a table, filtered by
// a row predicate
type AccessPolicy struct {
	ID            string
	Table         string
	Operation     Operation
	PrincipalKind PrincipalKind
	Predicate     Predicate
	Created       time.Time
}

// Store persists access policies
type Store struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewStore creates a new policy store
func NewStore(db *database.PostgreSQL, logger *logger.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const policyColumns = "policy_id, table_name, operation, principal_kind, predicate, created"

// List retrieves all registered policies
func (s *Store) List(ctx context.Context) ([]AccessPolicy, error) {
	rows, err := s.db.Pool().Query(ctx,
		"SELECT "+policyColumns+" FROM access_policies ORDER BY table_name, operation, principal_kind")
	if err != nil {
		s.logger.Errorf("Failed to list policies: %v", err)
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []AccessPolicy
	for rows.Next() {
		var p AccessPolicy
		if err := rows.Scan(&p.ID, &p.Table, &p.Operation, &p.PrincipalKind, &p.Predicate, &p.Created); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// Put inserts a new policy. The unique key on (table, operation, principal
// kind) rejects overlapping grants; use Supersede to replace one.
func (s *Store) Put(ctx context.Context, p AccessPolicy) (*AccessPolicy, error) {
	s.logger.Infof("Registering policy on %s for %s/%s", p.Table, p.PrincipalKind, p.Operation)

	var out AccessPolicy
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO access_policies (table_name, operation, principal_kind, predicate)
		VALUES ($1, $2, $3, $4)
		RETURNING `+policyColumns,
		p.Table, p.Operation, p.PrincipalKind, p.Predicate).Scan(
		&out.ID, &out.Table, &out.Operation, &out.PrincipalKind, &out.Predicate, &out.Created)
	if err != nil {
		s.logger.Errorf("Failed to register policy: %v", err)
		return nil, fmt.Errorf("failed to register policy: %w", err)
	}
	return &out, nil
}

// Supersede atomically replaces whatever policy currently covers the new
// policy's (table, operation, principal kind) scope. The retraction and the
// replacement commit together, so no request can observe a state with zero
// or two effective policies for the scope.
func (s *Store) Supersede(ctx context.Context, p AccessPolicy) (*AccessPolicy, error) {
	s.logger.Infof("Superseding policy on %s for %s/%s", p.Table, p.PrincipalKind, p.Operation)

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin policy supersession: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		"DELETE FROM access_policies WHERE table_name = $1 AND operation = $2 AND principal_kind = $3",
		p.Table, p.Operation, p.PrincipalKind); err != nil {
		return nil, fmt.Errorf("failed to retract superseded policy: %w", err)
	}

	var out AccessPolicy
	err = tx.QueryRow(ctx, `
		INSERT INTO access_policies (table_name, operation, principal_kind, predicate)
		VALUES ($1, $2, $3, $4)
		RETURNING `+policyColumns,
		p.Table, p.Operation, p.PrincipalKind, p.Predicate).Scan(
		&out.ID, &out.Table, &out.Operation, &out.PrincipalKind, &out.Predicate, &out.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to insert superseding policy: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit policy supersession: %w", err)
	}
	return &out, nil
}

// Delete removes a policy by ID
func (s *Store) Delete(ctx context.Context, id string) error {
	s.logger.Infof("Deleting policy %s", id)

	tag, err := s.db.Pool().Exec(ctx, "DELETE FROM access_policies WHERE policy_id = $1", id)
	if err != nil {
		s.logger.Errorf("Failed to delete policy: %v", err)
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("policy not found")
	}
	return nil
}

// Get retrieves a policy by ID
func (s *Store) Get(ctx context.Context, id string) (*AccessPolicy, error) {
	var p AccessPolicy
	err := s.db.Pool().QueryRow(ctx,
		"SELECT "+policyColumns+" FROM access_policies WHERE policy_id = $1", id).Scan(
		&p.ID, &p.Table, &p.Operation, &p.PrincipalKind, &p.Predicate, &p.Created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("policy not found")
		}
		return nil, err
	}
	return &p, nil
}
