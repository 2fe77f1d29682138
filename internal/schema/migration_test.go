package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable() Table {
	return Table{
		Name: "conversation_state",
		Columns: []Column{
			{Name: "user_id", Type: "UUID"},
			{Name: "stage", Type: "TEXT", Default: "'intake'"},
			{Name: "trust_score", Type: "NUMERIC(4,1)", Default: "0"},
		},
		Constraints: []Constraint{
			{Name: "conversation_state_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"user_id"}},
			{Name: "conversation_state_trust_check", Kind: ConstraintCheck,
				Expression: "trust_score >= 0 AND trust_score <= 10"},
		},
	}
}

func TestOperationRendering(t *testing.T) {
	t.Run("create table is guarded", func(t *testing.T) {
		sql := CreateTable{Table: testTable()}.Render()
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS conversation_state")
		assert.Contains(t, sql, "user_id UUID NOT NULL")
		assert.Contains(t, sql, "stage TEXT NOT NULL DEFAULT 'intake'")
		assert.Contains(t, sql, "CONSTRAINT conversation_state_pkey PRIMARY KEY (user_id)")
		assert.Contains(t, sql, "CHECK (trust_score >= 0 AND trust_score <= 10)")
	})

	t.Run("add column is guarded", func(t *testing.T) {
		sql := AddColumn{Table: "profiles", Column: Column{Name: "display_name", Type: "TEXT", Nullable: true}}.Render()
		assert.Equal(t, "ALTER TABLE profiles ADD COLUMN IF NOT EXISTS display_name TEXT", sql)
	})

	t.Run("add constraint guards on pg_constraint", func(t *testing.T) {
		sql := AddConstraint{Table: "memory", Constraint: Constraint{
			Name: "memory_owner_fkey", Kind: ConstraintForeignKey,
			Columns: []string{"owner_id"}, RefTable: "identity_map", RefColumn: "internal_id",
			OnDelete: "CASCADE",
		}}.Render()
		assert.Contains(t, sql, "IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'memory_owner_fkey')")
		assert.Contains(t, sql, "FOREIGN KEY (owner_id) REFERENCES identity_map (internal_id) ON DELETE CASCADE")
	})

	t.Run("create index is guarded", func(t *testing.T) {
		sql := CreateIndex{Table: "memory", Index: Index{Name: "memory_owner_idx", Columns: []string{"owner_id", "created"}}}.Render()
		assert.Equal(t, "CREATE INDEX IF NOT EXISTS memory_owner_idx ON memory (owner_id, created)", sql)

		unique := CreateIndex{Table: "identity_map", Index: Index{Name: "identity_internal_idx", Columns: []string{"internal_id"}, Unique: true}}.Render()
		assert.True(t, strings.HasPrefix(unique, "CREATE UNIQUE INDEX IF NOT EXISTS"))
	})
}

func TestOperationInversion(t *testing.T) {
	tests := []struct {
		name       string
		op         Operation
		want       string
		invertible bool
	}{
		{"create table", CreateTable{Table: testTable()}, "DROP TABLE IF EXISTS conversation_state", true},
		{"add column", AddColumn{Table: "profiles", Column: Column{Name: "display_name", Type: "TEXT"}},
			"ALTER TABLE profiles DROP COLUMN IF EXISTS display_name", true},
		{"add constraint", AddConstraint{Table: "memory", Constraint: Constraint{Name: "memory_kind_check", Kind: ConstraintCheck, Expression: "kind <> ''"}},
			"ALTER TABLE memory DROP CONSTRAINT IF EXISTS memory_kind_check", true},
		{"create index", CreateIndex{Table: "memory", Index: Index{Name: "memory_owner_idx", Columns: []string{"owner_id"}}},
			"DROP INDEX IF EXISTS memory_owner_idx", true},
		{"drop table", DropTable{Name: "memory"}, "", false},
		{"drop column", DropColumn{Table: "memory", Column: "kind"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := tt.op.Invert()
			require.Equal(t, tt.invertible, ok)
			if ok {
				assert.Equal(t, tt.want, inv.Render())
			}
		})
	}
}

func TestMigrationChecksum(t *testing.T) {
	m := Migration{Key: 1, Description: "base", Ops: []Operation{CreateTable{Table: testTable()}}}

	t.Run("stable across calls", func(t *testing.T) {
		require.Equal(t, m.Checksum(), m.Checksum())
	})

	t.Run("changes when operations change", func(t *testing.T) {
		altered := Migration{Key: 1, Description: "base", Ops: []Operation{
			CreateTable{Table: testTable()},
			AddColumn{Table: "conversation_state", Column: Column{Name: "metadata", Type: "JSONB", Default: "'{}'"}},
		}}
		assert.NotEqual(t, m.Checksum(), altered.Checksum())
	})

	t.Run("description does not affect checksum", func(t *testing.T) {
		renamed := Migration{Key: 1, Description: "renamed", Ops: m.Ops}
		assert.Equal(t, m.Checksum(), renamed.Checksum())
	})
}
