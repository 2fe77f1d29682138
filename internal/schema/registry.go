package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memvault/memvault/pkg/database"
	"github.com/memvault/memvault/pkg/logger"
)

var (
	// ErrMigrationConflict marks out-of-order or checksum-mismatched
	// reapplication. Fatal; nothing is applied.
	ErrMigrationConflict = errors.New("migration conflict")

	// ErrDependencyMissing marks a migration referencing a table or column
	// that does not exist at the point the reference is created.
	ErrDependencyMissing = errors.New("migration dependency missing")

	// ErrMigrationInProgress marks advisory-lock contention with another
	// deployer. Retryable after backoff.
	ErrMigrationInProgress = errors.New("migration already in progress")
)

// advisoryLockKey serializes schema mutation across concurrent deployers
const advisoryLockKey = int64(0x6d766c74) // "mvlt"

const ledgerDDL = `CREATE TABLE IF NOT EXISTS migrations_ledger (
    key BIGINT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// LedgerEntry is one applied migration as recorded in the ledger
type LedgerEntry struct {
	Key         int64
	Description string
	Checksum    string
	AppliedAt   time.Time
}

// Registry tracks applied migrations and applies pending ones in order
type Registry struct {
	db     *database.PostgreSQL
	logger *logger.Logger
}

// NewRegistry creates a new schema registry
func NewRegistry(db *database.PostgreSQL, logger *logger.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// ValidatePlan checks that a migration plan is internally consistent:
// strictly increasing keys, no duplicates, every operation non-empty.
func ValidatePlan(migrations []Migration) error {
	var lastKey int64
	for i, m := range migrations {
		if m.Key <= 0 {
			return fmt.Errorf("%w: migration %d has non-positive key %d", ErrMigrationConflict, i, m.Key)
		}
		if m.Key <= lastKey {
			return fmt.Errorf("%w: key %d does not increase past %d", ErrMigrationConflict, m.Key, lastKey)
		}
		if len(m.Ops) == 0 {
			return fmt.Errorf("%w: migration %d declares no operations", ErrMigrationConflict, m.Key)
		}
		lastKey = m.Key
	}
	return nil
}

// planAgainstLedger returns the subset of the plan that still needs to be
// applied. Already-applied migrations with a matching checksum are skipped;
// a checksum mismatch or a new key at or below the last applied key is a
// conflict.
func planAgainstLedger(migrations []Migration, applied map[int64]string, lastApplied int64) ([]Migration, error) {
	var pending []Migration
	for _, m := range migrations {
		if sum, ok := applied[m.Key]; ok {
			if sum != m.Checksum() {
				return nil, fmt.Errorf("%w: migration %d was applied with checksum %s, plan has %s",
					ErrMigrationConflict, m.Key, sum, m.Checksum())
			}
			continue
		}
		if m.Key <= lastApplied {
			return nil, fmt.Errorf("%w: migration %d is older than last applied key %d",
				ErrMigrationConflict, m.Key, lastApplied)
		}
		pending = append(pending, m)
	}
	return pending, nil
}

// Apply applies every pending migration from the plan, in order, each inside
// its own transaction. Reapplying an applied plan is a no-op. A second
// concurrent applier fails fast with ErrMigrationInProgress.
func (r *Registry) Apply(ctx context.Context, migrations []Migration) ([]int64, error) {
	if err := ValidatePlan(migrations); err != nil {
		return nil, err
	}

	// The advisory lock is session-scoped, so hold one connection for the
	// whole run.
	conn, err := r.db.Pool().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&locked); err != nil {
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		return nil, ErrMigrationInProgress
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			r.logger.Errorf("Failed to release migration lock: %v", err)
		}
	}()

	if _, err := conn.Exec(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations ledger: %w", err)
	}

	applied, lastApplied, err := r.loadLedger(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := planAgainstLedger(migrations, applied, lastApplied)
	if err != nil {
		return nil, err
	}

	// Tables created by earlier plan entries satisfy later dependency checks
	// even before they hit the catalog.
	planTables := make(map[string]bool)
	for _, m := range migrations {
		if _, ok := applied[m.Key]; !ok {
			continue
		}
		for _, op := range m.Ops {
			if t := op.creates(); t != "" {
				planTables[t] = true
			}
		}
	}

	var appliedKeys []int64
	for _, m := range pending {
		if err := r.checkDependencies(ctx, m, planTables); err != nil {
			return appliedKeys, err
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return appliedKeys, fmt.Errorf("failed to begin transaction for migration %d: %w", m.Key, err)
		}

		for _, stmt := range m.Statements() {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return appliedKeys, fmt.Errorf("migration %d failed: %w", m.Key, err)
			}
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO migrations_ledger (key, description, checksum) VALUES ($1, $2, $3)",
			m.Key, m.Description, m.Checksum()); err != nil {
			_ = tx.Rollback(ctx)
			return appliedKeys, fmt.Errorf("failed to record migration %d: %w", m.Key, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return appliedKeys, fmt.Errorf("failed to commit migration %d: %w", m.Key, err)
		}

		appliedKeys = append(appliedKeys, m.Key)
		r.logger.Infof("Applied migration %d: %s", m.Key, m.Description)
	}

	return appliedKeys, nil
}

// Rollback removes the most recently applied migration. Only the latest key
// may be rolled back, and every operation of that migration must be
// reversible.
func (r *Registry) Rollback(ctx context.Context, migrations []Migration, key int64) error {
	conn, err := r.db.Pool().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey).Scan(&locked); err != nil {
		return fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		return ErrMigrationInProgress
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", advisoryLockKey); err != nil {
			r.logger.Errorf("Failed to release migration lock: %v", err)
		}
	}()

	applied, lastApplied, err := r.loadLedger(ctx)
	if err != nil {
		return err
	}

	target, inverse, err := rollbackPlan(migrations, applied, lastApplied, key)
	if err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin rollback transaction: %w", err)
	}
	for _, op := range inverse {
		if _, err := tx.Exec(ctx, op.Render()); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("rollback of migration %d failed: %w", key, err)
		}
	}
	if _, err := tx.Exec(ctx, "DELETE FROM migrations_ledger WHERE key = $1", key); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to remove ledger entry %d: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit rollback of migration %d: %w", key, err)
	}

	r.logger.Infof("Rolled back migration %d: %s", key, target.Description)
	return nil
}

// rollbackPlan resolves the inverse operations for rolling back key. Only the
// latest applied key qualifies, the plan's migration must still carry the
// checksum recorded at apply time, and every operation must be reversible.
func rollbackPlan(migrations []Migration, applied map[int64]string, lastApplied int64, key int64) (*Migration, []Operation, error) {
	if lastApplied == 0 {
		return nil, nil, fmt.Errorf("%w: ledger is empty", ErrMigrationConflict)
	}
	if key != lastApplied {
		return nil, nil, fmt.Errorf("%w: only the latest migration %d can be rolled back, not %d",
			ErrMigrationConflict, lastApplied, key)
	}

	var target *Migration
	for i := range migrations {
		if migrations[i].Key == key {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return nil, nil, fmt.Errorf("%w: migration %d is not part of the plan", ErrMigrationConflict, key)
	}
	if sum := applied[key]; sum != target.Checksum() {
		return nil, nil, fmt.Errorf("%w: migration %d was applied with checksum %s, plan has %s",
			ErrMigrationConflict, key, sum, target.Checksum())
	}

	inverse := make([]Operation, 0, len(target.Ops))
	for i := len(target.Ops) - 1; i >= 0; i-- {
		inv, ok := target.Ops[i].Invert()
		if !ok {
			return nil, nil, fmt.Errorf("%w: migration %d contains an irreversible operation", ErrMigrationConflict, key)
		}
		inverse = append(inverse, inv)
	}
	return target, inverse, nil
}

// Status returns the applied-migrations ledger in key order
func (r *Registry) Status(ctx context.Context) ([]LedgerEntry, error) {
	rows, err := r.db.Pool().Query(ctx,
		"SELECT key, description, checksum, applied_at FROM migrations_ledger ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Key, &e.Description, &e.Checksum, &e.AppliedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Registry) loadLedger(ctx context.Context) (map[int64]string, int64, error) {
	rows, err := r.db.Pool().Query(ctx, "SELECT key, checksum FROM migrations_ledger")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read migrations ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	var lastApplied int64
	for rows.Next() {
		var key int64
		var checksum string
		if err := rows.Scan(&key, &checksum); err != nil {
			return nil, 0, err
		}
		applied[key] = checksum
		if key > lastApplied {
			lastApplied = key
		}
	}
	return applied, lastApplied, rows.Err()
}

// checkDependencies verifies every referenced table and column exists before
// any DDL from the migration runs, so a missing dependency aborts with no
// partial schema change.
func (r *Registry) checkDependencies(ctx context.Context, m Migration, planTables map[string]bool) error {
	seen := make(map[string]bool)
	for _, op := range m.Ops {
		for _, ref := range op.dependencies() {
			refKey := ref.Table + "." + ref.Column
			if planTables[ref.Table] || seen[refKey] {
				continue
			}

			var tableExists bool
			err := r.db.Pool().QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
				ref.Table).Scan(&tableExists)
			if err != nil {
				return fmt.Errorf("failed to check table existence: %w", err)
			}
			if !tableExists {
				return fmt.Errorf("%w: migration %d references table %s which does not exist",
					ErrDependencyMissing, m.Key, ref.Table)
			}

			if ref.Column != "" {
				var columnExists bool
				err := r.db.Pool().QueryRow(ctx,
					"SELECT EXISTS(SELECT 1 FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2)",
					ref.Table, ref.Column).Scan(&columnExists)
				if err != nil {
					return fmt.Errorf("failed to check column existence: %w", err)
				}
				if !columnExists {
					return fmt.Errorf("%w: migration %d references column %s.%s which does not exist",
						ErrDependencyMissing, m.Key, ref.Table, ref.Column)
				}
			}
			seen[refKey] = true
		}

		if t := op.creates(); t != "" {
			planTables[t] = true
		}
	}
	return nil
}
