package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memvault/memvault/pkg/logger"
)

type staticStore struct {
	policies []AccessPolicy
	calls    int
}

func (s *staticStore) List(ctx context.Context) ([]AccessPolicy, error) {
	s.calls++
	return s.policies, nil
}

var (
	alice   = Principal{Kind: KindEndUser, ID: "3b9e1f0a-aaaa-5bbb-8ccc-000000000001"}
	mallory = Principal{Kind: KindEndUser, ID: "3b9e1f0a-aaaa-5bbb-8ccc-000000000002"}
	backend = Principal{Kind: KindService, ID: "core"}
)

func ownPolicies(table string, ops ...Operation) []AccessPolicy {
	var out []AccessPolicy
	for _, op := range ops {
		out = append(out, AccessPolicy{
			Table: table, Operation: op,
			PrincipalKind: KindEndUser, Predicate: PredicateOwnerMatch,
		})
	}
	return out
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		policies  []AccessPolicy
		principal Principal
		table     string
		op        Operation
		rowOwner  string
		allowed   bool
	}{
		{
			name:      "owner may read own row",
			policies:  ownPolicies("memory", OpRead),
			principal: alice, table: "memory", op: OpRead, rowOwner: alice.ID,
			allowed: true,
		},
		{
			name:      "non-owner is denied",
			policies:  ownPolicies("memory", OpRead),
			principal: mallory, table: "memory", op: OpRead, rowOwner: alice.ID,
			allowed: false,
		},
		{
			name:      "no matching policy fails closed",
			policies:  nil,
			principal: alice, table: "conversation_state", op: OpRead, rowOwner: alice.ID,
			allowed: false,
		},
		{
			name:      "policy for another table does not leak",
			policies:  ownPolicies("memory", OpRead),
			principal: alice, table: "profiles", op: OpRead, rowOwner: alice.ID,
			allowed: false,
		},
		{
			name:      "end-user all grants update",
			policies:  ownPolicies("memory", OpAll),
			principal: alice, table: "memory", op: OpUpdate, rowOwner: alice.ID,
			allowed: true,
		},
		{
			name:      "end-user all does not grant delete",
			policies:  ownPolicies("memory", OpAll),
			principal: alice, table: "memory", op: OpDelete, rowOwner: alice.ID,
			allowed: false,
		},
		{
			name:      "explicit delete grant works",
			policies:  ownPolicies("memory", OpAll, OpDelete),
			principal: alice, table: "memory", op: OpDelete, rowOwner: alice.ID,
			allowed: true,
		},
		{
			name: "always predicate ignores ownership",
			policies: []AccessPolicy{{
				Table: "conversation_summaries", Operation: OpRead,
				PrincipalKind: KindEndUser, Predicate: PredicateAlways,
			}},
			principal: mallory, table: "conversation_summaries", op: OpRead, rowOwner: alice.ID,
			allowed: true,
		},
		{
			name: "service all covers delete",
			policies: []AccessPolicy{{
				Table: "memory", Operation: OpAll,
				PrincipalKind: KindService, Predicate: PredicateAlways,
			}},
			principal: backend, table: "memory", op: OpDelete, rowOwner: alice.ID,
			allowed: true,
		},
		{
			name:      "insert with owner match binds new row to principal",
			policies:  ownPolicies("memory", OpInsert),
			principal: alice, table: "memory", op: OpInsert, rowOwner: mallory.ID,
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decide(tt.policies, tt.principal, tt.table, tt.op, tt.rowOwner)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrAccessDenied)
			}
		})
	}
}

func TestEngineAuthorize(t *testing.T) {
	log := logger.New("policy-test", "test")

	t.Run("service principal bypasses policy lookup", func(t *testing.T) {
		store := &staticStore{}
		engine := NewEngine(store, log)

		for _, op := range []Operation{OpRead, OpInsert, OpUpdate, OpDelete} {
			require.NoError(t, engine.Authorize(context.Background(), backend, "conversation_state", op, ""))
		}
		assert.Zero(t, store.calls, "service authorization must not consult the store")
	})

	t.Run("end-user denial on unmatched table", func(t *testing.T) {
		store := &staticStore{}
		engine := NewEngine(store, log)

		err := engine.Authorize(context.Background(), alice, "freshly_created", OpRead, alice.ID)
		assert.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("snapshot is cached until invalidated", func(t *testing.T) {
		store := &staticStore{policies: ownPolicies("memory", OpRead)}
		engine := NewEngine(store, log)

		ctx := context.Background()
		require.NoError(t, engine.Authorize(ctx, alice, "memory", OpRead, alice.ID))
		require.NoError(t, engine.Authorize(ctx, alice, "memory", OpRead, alice.ID))
		assert.Equal(t, 1, store.calls)

		engine.Invalidate()
		require.NoError(t, engine.Authorize(ctx, alice, "memory", OpRead, alice.ID))
		assert.Equal(t, 2, store.calls)
	})

	t.Run("superseding leaves no window without a policy", func(t *testing.T) {
		// The store swap is atomic server-side; the engine sees either the
		// old or the new snapshot, never an empty intermediate.
		store := &staticStore{policies: ownPolicies("memory", OpRead, OpUpdate)}
		engine := NewEngine(store, log)
		ctx := context.Background()

		require.NoError(t, engine.Authorize(ctx, alice, "memory", OpUpdate, alice.ID))

		store.policies = ownPolicies("memory", OpRead, OpUpdate, OpDelete)
		engine.Invalidate()

		require.NoError(t, engine.Authorize(ctx, alice, "memory", OpUpdate, alice.ID))
		require.NoError(t, engine.Authorize(ctx, alice, "memory", OpDelete, alice.ID))
	})
}
