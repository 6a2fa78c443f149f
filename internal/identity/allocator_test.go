package identity

import (
	"errors"
	"sync"
	"testing"

	"github.com/dyluth/drey/pkg/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	a := NewAllocator()

	t.Run("resolves catalogued role", func(t *testing.T) {
		model, serial, err := a.Allocate("nft_mint")
		require.NoError(t, err)
		assert.Equal(t, "DMN-GN-02", model)
		assert.True(t, fleet.IsValidSerial(serial), "serial %q should match the serial format", serial)
		assert.Contains(t, serial, "DMN-GN-02-")
	})

	t.Run("rejects unknown role", func(t *testing.T) {
		_, _, err := a.Allocate("blockchain_overlord")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownRole))
	})

	t.Run("rejects empty role", func(t *testing.T) {
		_, _, err := a.Allocate("")
		assert.True(t, errors.Is(err, ErrUnknownRole))
	})
}

func TestAllocateSerialFormat(t *testing.T) {
	a := NewAllocator()

	for role, model := range a.Catalog() {
		gotModel, serial, err := a.Allocate(role)
		require.NoError(t, err)
		assert.Equal(t, model, gotModel)

		// MODEL-NUMBER (9 chars) + "-" + 8 hex shard + "-" + 5 hex counter
		require.Len(t, serial, len(model)+1+8+1+5)
		assert.True(t, fleet.IsValidSerial(serial), "serial %q should match the serial format", serial)
	}
}

// TestAllocateConcurrentUniqueness generates 100,000 identities across many
// goroutines and verifies zero duplicate serials.
func TestAllocateConcurrentUniqueness(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 100k allocation test in short mode")
	}

	a := NewAllocator()

	const (
		goroutines = 100
		perWorker  = 1000
	)

	var wg sync.WaitGroup
	results := make(chan string, goroutines*perWorker)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, serial, err := a.Allocate("conversation")
				if err != nil {
					t.Error(err)
					return
				}
				results <- serial
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[string]bool, goroutines*perWorker)
	for serial := range results {
		assert.False(t, seen[serial], "duplicate serial generated: %s", serial)
		seen[serial] = true
	}
	assert.Len(t, seen, goroutines*perWorker)
}

func TestCatalog(t *testing.T) {
	a := NewAllocator()

	cat := a.Catalog()
	assert.Equal(t, "DMN-GN-02", cat["nft_mint"])
	assert.NotEmpty(t, cat)

	// Returned map is a copy; mutating it must not poison the catalog.
	cat["nft_mint"] = "DMN-XX-99"
	model, err := a.ModelForRole("nft_mint")
	require.NoError(t, err)
	assert.Equal(t, "DMN-GN-02", model)
}
