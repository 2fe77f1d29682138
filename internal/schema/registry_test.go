package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planOf(keys ...int64) []Migration {
	var migs []Migration
	for _, k := range keys {
		migs = append(migs, Migration{
			Key:         k,
			Description: "test",
			Ops:         []Operation{CreateIndex{Table: "memory", Index: Index{Name: "idx", Columns: []string{"owner_id"}}}},
		})
	}
	return migs
}

func TestValidatePlan(t *testing.T) {
	t.Run("accepts strictly increasing keys", func(t *testing.T) {
		require.NoError(t, ValidatePlan(planOf(1, 2, 5)))
	})

	t.Run("rejects duplicate keys", func(t *testing.T) {
		err := ValidatePlan(planOf(1, 2, 2))
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("rejects out-of-order keys", func(t *testing.T) {
		err := ValidatePlan(planOf(2, 1))
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("rejects non-positive keys", func(t *testing.T) {
		err := ValidatePlan(planOf(0, 1))
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("rejects empty migrations", func(t *testing.T) {
		err := ValidatePlan([]Migration{{Key: 1, Description: "empty"}})
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})
}

func TestPlanAgainstLedger(t *testing.T) {
	plan := planOf(1, 2, 3)

	t.Run("empty ledger applies everything", func(t *testing.T) {
		pending, err := planAgainstLedger(plan, map[int64]string{}, 0)
		require.NoError(t, err)
		require.Len(t, pending, 3)
	})

	t.Run("reapplication is a no-op", func(t *testing.T) {
		applied := map[int64]string{
			1: plan[0].Checksum(),
			2: plan[1].Checksum(),
			3: plan[2].Checksum(),
		}
		pending, err := planAgainstLedger(plan, applied, 3)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("partial ledger applies the tail", func(t *testing.T) {
		applied := map[int64]string{1: plan[0].Checksum()}
		pending, err := planAgainstLedger(plan, applied, 1)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, int64(2), pending[0].Key)
		assert.Equal(t, int64(3), pending[1].Key)
	})

	t.Run("checksum mismatch is a conflict", func(t *testing.T) {
		applied := map[int64]string{1: "deadbeef"}
		_, err := planAgainstLedger(plan, applied, 1)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("new key below last applied is a conflict", func(t *testing.T) {
		applied := map[int64]string{2: plan[1].Checksum(), 3: plan[2].Checksum()}
		_, err := planAgainstLedger(plan, applied, 3)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})
}

func TestRollbackPlan(t *testing.T) {
	plan := planOf(1, 2, 3)
	applied := map[int64]string{
		1: plan[0].Checksum(),
		2: plan[1].Checksum(),
		3: plan[2].Checksum(),
	}

	t.Run("latest key rolls back with reversed inverse ops", func(t *testing.T) {
		target, inverse, err := rollbackPlan(plan, applied, 3, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(3), target.Key)
		require.Len(t, inverse, 1)
		assert.Equal(t, "DROP INDEX IF EXISTS idx", inverse[0].Render())
	})

	t.Run("empty ledger is a conflict", func(t *testing.T) {
		_, _, err := rollbackPlan(plan, map[int64]string{}, 0, 1)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("only the latest key may roll back", func(t *testing.T) {
		_, _, err := rollbackPlan(plan, applied, 3, 2)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("key outside the plan is a conflict", func(t *testing.T) {
		_, _, err := rollbackPlan(plan, map[int64]string{4: "deadbeef"}, 4, 4)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("drifted plan checksum is a conflict", func(t *testing.T) {
		drifted := map[int64]string{
			1: plan[0].Checksum(),
			2: plan[1].Checksum(),
			3: "deadbeef",
		}
		_, _, err := rollbackPlan(plan, drifted, 3, 3)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})

	t.Run("irreversible operation blocks rollback", func(t *testing.T) {
		oneWay := []Migration{{
			Key:         1,
			Description: "drop",
			Ops:         []Operation{DropColumn{Table: "memory", Column: "kind"}},
		}}
		_, _, err := rollbackPlan(oneWay, map[int64]string{1: oneWay[0].Checksum()}, 1, 1)
		assert.ErrorIs(t, err, ErrMigrationConflict)
	})
}

func TestCatalog(t *testing.T) {
	plan := Catalog()

	t.Run("plan validates", func(t *testing.T) {
		require.NoError(t, ValidatePlan(plan))
	})

	t.Run("foreign keys resolve within the plan in order", func(t *testing.T) {
		created := make(map[string]bool)
		for _, m := range plan {
			for _, op := range m.Ops {
				for _, ref := range op.dependencies() {
					assert.Truef(t, created[ref.Table],
						"migration %d references %s before it is created", m.Key, ref.Table)
				}
				if tbl := op.creates(); tbl != "" {
					created[tbl] = true
				}
			}
		}
	})

	t.Run("every migration is reversible", func(t *testing.T) {
		for _, m := range plan {
			for _, op := range m.Ops {
				_, ok := op.Invert()
				assert.Truef(t, ok, "migration %d has an irreversible operation", m.Key)
			}
		}
	})

	t.Run("reapplied checksums are stable", func(t *testing.T) {
		again := Catalog()
		require.Len(t, again, len(plan))
		for i := range plan {
			assert.Equal(t, plan[i].Checksum(), again[i].Checksum())
		}
	})

	t.Run("trust score bound and uniqueness are declared", func(t *testing.T) {
		var state *Table
		for _, m := range plan {
			for _, op := range m.Ops {
				if ct, ok := op.(CreateTable); ok && ct.Table.Name == "conversation_state" {
					tbl := ct.Table
					state = &tbl
				}
			}
		}
		require.NotNil(t, state)

		var hasTrustCheck, hasOwnerKey bool
		for _, c := range state.Constraints {
			if c.Kind == ConstraintCheck && c.Name == "conversation_state_trust_check" {
				hasTrustCheck = true
				assert.Contains(t, c.Expression, "<= 10")
			}
			if c.Kind == ConstraintPrimaryKey {
				hasOwnerKey = true
				assert.Equal(t, []string{"user_id"}, c.Columns)
			}
		}
		assert.True(t, hasTrustCheck)
		assert.True(t, hasOwnerKey)
	})
}
