package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

// ErrIdentityCollision marks two differently-sourced external identifiers
// deriving the same internal identifier. Should never happen with a sound
// derivation, but is detected defensively and requires administrative
// intervention.
var ErrIdentityCollision = errors.New("identity collision")

// namespace for deriving internal identifiers. Fixed forever: changing it
// would re-home every external identifier.
var namespace = uuid.MustParse("b2f1e0d4-7a65-4a3e-9d41-6c2f18a7c0e3")

// Mapping is one external→internal identity record
type Mapping struct {
	ExternalID string
	InternalID uuid.UUID
	CreatedAt  time.Time
}

// Reconciler maps externally supplied subject identifiers to stable internal
// identifiers, creating the owned profile shell on first sight.
type Reconciler struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewReconciler creates a new identity reconciler
func NewReconciler(db *database.PostgreSQL, logger *logger.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// Derive computes the internal identifier for an external subject
// identifier. Pure and deterministic: concurrent resolvers converge on the
// same value without coordination.
func Derive(externalID string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(externalID))
}

// Resolve returns the internal identifier for externalID, creating the
// mapping and its owned profile shell on first sight. Idempotent; safe under
// concurrent first-sight resolution of the same identifier.
func (r *Reconciler) Resolve(ctx context.Context, externalID string) (uuid.UUID, error) {
	if externalID == "" {
		return uuid.Nil, errors.New("external identifier is required")
	}

	internalID := Derive(externalID)

	err := database.WithRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			"INSERT INTO identity_map (external_id, internal_id) VALUES ($1, $2) ON CONFLICT (external_id) DO NOTHING",
			externalID, internalID)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// The external_id conflict is absorbed above, so a unique
			// violation here can only be internal_id clashing with a
			// mapping for a different external identifier.
			r.logger.Errorf("Identity collision on %s for external ID %q", internalID, externalID)
			return uuid.Nil, fmt.Errorf("%w: derived %s for %q", ErrIdentityCollision, internalID, externalID)
		}
		return uuid.Nil, fmt.Errorf("failed to record identity mapping: %w", err)
	}

	// Read back defensively: a stored internal_id that differs from the
	// derivation means the derivation changed or was tampered with.
	var stored uuid.UUID
	err = database.WithRetry(ctx, func(ctx context.Context) error {
		return r.db.Pool().QueryRow(ctx,
			"SELECT internal_id FROM identity_map WHERE external_id = $1", externalID).Scan(&stored)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to read identity mapping: %w", err)
	}
	if stored != internalID {
		r.logger.Errorf("Identity mapping for %q holds %s, derivation yields %s", externalID, stored, internalID)
		return uuid.Nil, fmt.Errorf("%w: stored mapping disagrees with derivation for %q", ErrIdentityCollision, externalID)
	}

	if err := r.ensureOwnedRecord(ctx, internalID); err != nil {
		return uuid.Nil, err
	}

	return internalID, nil
}

// ensureOwnedRecord creates the profile shell that makes internalID usable
// as a foreign-key target. Insert-or-get-existing: a racing resolver's
// duplicate insert is absorbed, never surfaced.
func (r *Reconciler) ensureOwnedRecord(ctx context.Context, internalID uuid.UUID) error {
	err := database.WithRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.Pool().Exec(ctx,
			"INSERT INTO profiles (owner_id) VALUES ($1) ON CONFLICT (owner_id) DO NOTHING", internalID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to ensure profile shell for %s: %w", internalID, err)
	}
	return nil
}

// Lookup returns the mapping for an external identifier without creating it
func (r *Reconciler) Lookup(ctx context.Context, externalID string) (*Mapping, error) {
	var m Mapping
	err := r.db.Pool().QueryRow(ctx,
		"SELECT external_id, internal_id, created_at FROM identity_map WHERE external_id = $1",
		externalID).Scan(&m.ExternalID, &m.InternalID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.New("identity mapping not found")
		}
		return nil, err
	}
	return &m, nil
}

// Purge removes a mapping and, through ON DELETE CASCADE on the owned
// tables, every row the internal identifier owns. Explicit administrative
// action only.
func (r *Reconciler) Purge(ctx context.Context, internalID uuid.UUID) error {
	r.logger.Warnf("Purging identity %s and all owned rows", internalID)

	tag, err := r.db.Pool().Exec(ctx, "DELETE FROM identity_map WHERE internal_id = $1", internalID)
	if err != nil {
		return fmt.Errorf("failed to purge identity %s: %w", internalID, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("identity mapping not found")
	}
	return nil
}
