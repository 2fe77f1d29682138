package identity

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := Derive("alice@example.com")
		b := Derive("alice@example.com")
		assert.Equal(t, a, b)
	})

	t.Run("distinct inputs yield distinct identifiers", func(t *testing.T) {
		seen := make(map[uuid.UUID]string)
		for _, ext := range []string{
			"alice@example.com",
			"bob@example.com",
			"session:7f3a9c",
			"session:7f3a9d",
			"alice@example.com ", // trailing space is a different subject
		} {
			id := Derive(ext)
			prev, dup := seen[id]
			require.Falsef(t, dup, "%q and %q derived the same identifier", ext, prev)
			seen[id] = ext
		}
	})

	t.Run("version 5 name-based UUID", func(t *testing.T) {
		id := Derive("alice@example.com")
		assert.Equal(t, uuid.Version(5), id.Version())
		assert.Equal(t, uuid.RFC4122, id.Variant())
	})

	t.Run("concurrent derivation converges without coordination", func(t *testing.T) {
		const resolvers = 16
		results := make([]uuid.UUID, resolvers)

		var wg sync.WaitGroup
		for i := 0; i < resolvers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = Derive("alice@example.com")
			}(i)
		}
		wg.Wait()

		for i := 1; i < resolvers; i++ {
			assert.Equal(t, results[0], results[i])
		}
	})

	t.Run("derivation is pinned", func(t *testing.T) {
		// A change here re-homes every stored identity; this value may only
		// ever change together with a data migration.
		assert.Equal(t, uuid.MustParse("0cbbf91d-16a8-544f-9f2f-573a39bef8cd"), Derive("alice@example.com"))
	})
}
