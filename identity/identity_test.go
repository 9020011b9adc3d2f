package identity

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   EntityID
		want string
	}{
		{"server entity", EntityID{ServerID: 5}, "5-0"},
		{"resource", EntityID{ServerID: 2, ResourceID: 3}, "2-3"},
		{"sub resource", EntityID{ServerID: 2, ResourceID: 3, SubID: 9}, "2-3-9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())

			parsed, err := Parse(tt.id.String())
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "5", "a-b", "1-2-3-4", "1-x"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestEntityIDPredicates(t *testing.T) {
	local := EntityID{ResourceID: 77}
	assert.True(t, local.IsLocal())
	assert.False(t, local.IsServer())

	server := EntityID{ServerID: 4}
	assert.False(t, server.IsLocal())
	assert.True(t, server.IsServer())

	resource := EntityID{ServerID: 4, ResourceID: 8}
	assert.Equal(t, server, resource.Server())
	assert.Equal(t, resource, resource.WithSub(2).Root())
}

func TestGeneratorStrictlyIncreasing(t *testing.T) {
	gen := NewGenerator()

	prev := int64(0)
	for i := 0; i < 100000; i++ {
		id := gen.Next()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGeneratorConcurrentUnique(t *testing.T) {
	const (
		goroutines = 8
		perWorker  = 1250
	)

	gen := NewGenerator()
	results := make([][]int64, goroutines)

	var wg sync.WaitGroup
	for w := 0; w < goroutines; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				ids = append(ids, gen.Next())
			}
			results[w] = ids
		}(w)
	}
	wg.Wait()

	var all []int64
	for w, ids := range results {
		// Each worker must see its own ids strictly increasing.
		for i := 1; i < len(ids); i++ {
			require.Greater(t, ids[i], ids[i-1], "worker %d", w)
		}
		all = append(all, ids...)
	}

	require.Len(t, all, goroutines*perWorker)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.NotEqual(t, all[i-1], all[i], "duplicate id at %d", i)
	}
}
