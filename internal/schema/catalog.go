package schema

// Stage progression for conversation_state, mirrored by the conversation
// service. Kept here so the CHECK constraint and the Go enum cannot drift
// apart silently.
var conversationStages = []string{"intake", "rapport", "established", "dormant", "closed"}

func stageCheckExpression() string {
	expr := "stage IN ("
	for i, s := range conversationStages {
		if i > 0 {
			expr += ", "
		}
		expr += "'" + s + "'"
	}
	return expr + ")"
}

// Catalog returns the full migration plan for the conversational-memory
// schema. Keys are strictly increasing; every migration is idempotent and
// reversible.
func Catalog() []Migration {
	return []Migration{
		{
			Key:         1,
			Description: "identity map and profile shells",
			Ops: []Operation{
				CreateTable{Table: Table{
					Name: "identity_map",
					Columns: []Column{
						{Name: "external_id", Type: "TEXT"},
						{Name: "internal_id", Type: "UUID"},
						{Name: "created_at", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
					},
					Constraints: []Constraint{
						{Name: "identity_map_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"external_id"}},
						{Name: "identity_map_internal_id_key", Kind: ConstraintUnique, Columns: []string{"internal_id"}},
					},
				}},
				CreateTable{Table: Table{
					Name: "profiles",
					Columns: []Column{
						{Name: "owner_id", Type: "UUID"},
						{Name: "attributes", Type: "JSONB", Default: "'{}'"},
						{Name: "created", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
						{Name: "updated", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
					},
					Constraints: []Constraint{
						{Name: "profiles_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"owner_id"}},
						{Name: "profiles_owner_fkey", Kind: ConstraintForeignKey, Columns: []string{"owner_id"},
							RefTable: "identity_map", RefColumn: "internal_id", OnDelete: "CASCADE"},
					},
				}},
			},
		},
		{
			Key:         2,
			Description: "conversation state and summaries",
			Ops: []Operation{
				CreateTable{Table: Table{
					Name: "conversation_state",
					Columns: []Column{
						{Name: "user_id", Type: "UUID"},
						{Name: "stage", Type: "TEXT", Default: "'intake'"},
						{Name: "trust_score", Type: "NUMERIC(4,1)", Default: "0"},
						{Name: "metadata", Type: "JSONB", Default: "'{}'"},
						{Name: "stage_history", Type: "JSONB", Default: "'[]'"},
						{Name: "created", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
						{Name: "updated", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
					},
					Constraints: []Constraint{
						{Name: "conversation_state_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"user_id"}},
						{Name: "conversation_state_user_fkey", Kind: ConstraintForeignKey, Columns: []string{"user_id"},
							RefTable: "identity_map", RefColumn: "internal_id", OnDelete: "CASCADE"},
						{Name: "conversation_state_stage_check", Kind: ConstraintCheck, Expression: stageCheckExpression()},
						{Name: "conversation_state_trust_check", Kind: ConstraintCheck,
							Expression: "trust_score >= 0 AND trust_score <= 10"},
					},
				}},
				CreateTable{Table: Table{
					Name: "conversation_summaries",
					Columns: []Column{
						{Name: "summary_id", Type: "UUID", Default: "gen_random_uuid()"},
						{Name: "owner_id", Type: "UUID"},
						{Name: "content", Type: "TEXT"},
						{Name: "created", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
					},
					Constraints: []Constraint{
						{Name: "conversation_summaries_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"summary_id"}},
						{Name: "conversation_summaries_owner_fkey", Kind: ConstraintForeignKey, Columns: []string{"owner_id"},
							RefTable: "identity_map", RefColumn: "internal_id", OnDelete: "CASCADE"},
					},
				}},
			},
		},
		{
			Key:         3,
			Description: "memory rows",
			Ops: []Operation{
				CreateTable{Table: Table{
					Name: "memory",
					Columns: []Column{
						{Name: "memory_id", Type: "UUID", Default: "gen_random_uuid()"},
						{Name: "owner_id", Type: "UUID"},
						{Name: "kind", Type: "TEXT", Default: "'note'"},
						{Name: "content", Type: "TEXT"},
						{Name: "created", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
					},
					Constraints: []Constraint{
						{Name: "memory_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"memory_id"}},
						{Name: "memory_owner_fkey", Kind: ConstraintForeignKey, Columns: []string{"owner_id"},
							RefTable: "identity_map", RefColumn: "internal_id", OnDelete: "CASCADE"},
					},
				}},
			},
		},
		{
			Key:         4,
			Description: "access policies",
			Ops: []Operation{
				CreateTable{Table: Table{
					Name: "access_policies",
					Columns: []Column{
						{Name: "policy_id", Type: "UUID", Default: "gen_random_uuid()"},
						{Name: "table_name", Type: "TEXT"},
						{Name: "operation", Type: "TEXT"},
						{Name: "principal_kind", Type: "TEXT"},
						{Name: "predicate", Type: "TEXT"},
						{Name: "created", Type: "TIMESTAMPTZ", Default: "CURRENT_TIMESTAMP"},
					},
					Constraints: []Constraint{
						{Name: "access_policies_pkey", Kind: ConstraintPrimaryKey, Columns: []string{"policy_id"}},
						{Name: "access_policies_scope_key", Kind: ConstraintUnique,
							Columns: []string{"table_name", "operation", "principal_kind"}},
					},
				}},
			},
		},
		{
			Key:         5,
			Description: "profile display names and memory listing index",
			Ops: []Operation{
				AddColumn{Table: "profiles", Column: Column{Name: "display_name", Type: "TEXT", Nullable: true}},
				CreateIndex{Table: "memory", Index: Index{Name: "memory_owner_created_idx", Columns: []string{"owner_id", "created"}}},
			},
		},
	}
}
