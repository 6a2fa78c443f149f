package fleet

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a store backed by a miniredis instance.
func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	store, err := NewStore(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func testWorker(serial string) *WorkerRecord {
	return &WorkerRecord{
		Serial:          serial,
		ModelNumber:     "DMN-GN-02",
		Role:            "nft_mint",
		Address:         "http://worker-1.fleet.local:9000",
		Metadata:        map[string]string{"zone": "eu-west"},
		State:           StateActive,
		RegisteredAtMs:  NowMs(),
		LastHeartbeatMs: NowMs(),
		AppliedPatches:  map[string]bool{"p-1": true},
		PatchesApplied:  1,
		DriftScore:      0.12,
	}
}

func TestNewStoreRequiresInstanceName(t *testing.T) {
	_, err := NewStore(&redis.Options{}, "")
	assert.Error(t, err)
}

func TestWorkerRoundTrip(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	original := testWorker("DMN-GN-02-AABBCCDD-00001")
	require.NoError(t, store.PutWorker(ctx, original))

	loaded, err := store.GetWorker(ctx, original.Serial)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestGetWorkerNotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.GetWorker(context.Background(), "DMN-GN-02-00000000-00000")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestPutWorkerRejectsInvalid(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*WorkerRecord)
	}{
		{"malformed serial", func(w *WorkerRecord) { w.Serial = "not-a-serial" }},
		{"empty role", func(w *WorkerRecord) { w.Role = "" }},
		{"empty address", func(w *WorkerRecord) { w.Address = "" }},
		{"bad state", func(w *WorkerRecord) { w.State = "zombie" }},
		{"drift out of range", func(w *WorkerRecord) { w.DriftScore = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			worker := testWorker("DMN-GN-02-AABBCCDD-00001")
			tt.mutate(worker)
			assert.Error(t, store.PutWorker(ctx, worker))
		})
	}
}

func TestListWorkers(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		worker := testWorker(fmt.Sprintf("DMN-GN-02-AABBCCDD-0000%d", i))
		worker.Address = fmt.Sprintf("http://worker-%d.fleet.local:9000", i)
		require.NoError(t, store.PutWorker(ctx, worker))
	}

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 3)
}

// TestAddressIndexFollowsLifecycle: the address+role slot is held only while
// the worker is active, so a sunset worker frees it for a replacement.
func TestAddressIndexFollowsLifecycle(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	worker := testWorker("DMN-GN-02-AABBCCDD-00001")
	require.NoError(t, store.PutWorker(ctx, worker))

	serial, err := store.ActiveSerialByAddress(ctx, worker.Role, worker.Address)
	require.NoError(t, err)
	assert.Equal(t, worker.Serial, serial)

	worker.State = StateSunset
	require.NoError(t, store.PutWorker(ctx, worker))

	_, err = store.ActiveSerialByAddress(ctx, worker.Role, worker.Address)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// TestAddressIndexNotClobberedBySuccessor: archiving a predecessor must not
// clear the slot its active successor now holds at the same address.
func TestAddressIndexNotClobberedBySuccessor(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	old := testWorker("DMN-GN-02-AABBCCDD-00001")
	old.State = StateSunset
	require.NoError(t, store.PutWorker(ctx, old))

	successor := testWorker("DMN-GN-02-EEFF0011-00002")
	require.NoError(t, store.PutWorker(ctx, successor))

	// Re-persisting the archived predecessor leaves the successor's slot.
	old.State = StateArchived
	require.NoError(t, store.PutWorker(ctx, old))

	serial, err := store.ActiveSerialByAddress(ctx, successor.Role, successor.Address)
	require.NoError(t, err)
	assert.Equal(t, successor.Serial, serial)
}

// TestRemoveWorker: unwinding a failed admission erases the record, its
// serial index entry, and the address slot it held.
func TestRemoveWorker(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	worker := testWorker("DMN-GN-02-AABBCCDD-00001")
	require.NoError(t, store.PutWorker(ctx, worker))
	require.NoError(t, store.RemoveWorker(ctx, worker))

	_, err := store.GetWorker(ctx, worker.Serial)
	assert.True(t, IsNotFound(err))

	workers, err := store.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)

	_, err = store.ActiveSerialByAddress(ctx, worker.Role, worker.Address)
	assert.True(t, IsNotFound(err))
}

// Removing a record must not clear an address slot another serial now holds.
func TestRemoveWorkerLeavesForeignAddressSlot(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	first := testWorker("DMN-GN-02-AABBCCDD-00001")
	first.State = StateSunset
	require.NoError(t, store.PutWorker(ctx, first))

	second := testWorker("DMN-GN-02-EEFF0011-00002")
	require.NoError(t, store.PutWorker(ctx, second))

	require.NoError(t, store.RemoveWorker(ctx, first))

	serial, err := store.ActiveSerialByAddress(ctx, second.Role, second.Address)
	require.NoError(t, err)
	assert.Equal(t, second.Serial, serial)
}

func TestPredicatesListedInInventionOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	// Inserted out of order; the index sorts by creation time.
	for _, p := range []*Predicate{
		{ID: "second", Name: "b::c", Nodes: []string{"b", "c"}, Confidence: 0.8, CreatedAtMs: 2000, Approver: "fusion-engine"},
		{ID: "first", Name: "a::b", Nodes: []string{"a", "b"}, Confidence: 0.9, CreatedAtMs: 1000, Approver: "fusion-engine"},
		{ID: "third", Name: "c::d", Nodes: []string{"c", "d"}, Confidence: 0.85, CreatedAtMs: 3000, Approver: "fusion-engine"},
	} {
		require.NoError(t, store.PutPredicate(ctx, p))
	}

	predicates, err := store.ListPredicates(ctx)
	require.NoError(t, err)
	require.Len(t, predicates, 3)
	assert.Equal(t, "first", predicates[0].ID)
	assert.Equal(t, "second", predicates[1].ID)
	assert.Equal(t, "third", predicates[2].ID)
}

func TestAuditEntriesPersistInOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendAuditEntry(ctx, &AuditEntry{
			Seq:       uint64(i) + 1,
			EventType: "worker_registered",
			Payload:   fmt.Sprintf(`{"index":%d}`, i),
			AtMs:      NowMs(),
			Hash:      fmt.Sprintf("hash-%d", i),
		}))
	}

	length, err := store.AuditLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)

	entries, err := store.AuditEntries(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		assert.Equal(t, uint64(i)+1, entry.Seq)
	}

	// Partial range reads work with Redis list semantics.
	tail, err := store.AuditEntries(ctx, 3, -1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)
}

func TestInstanceIsolation(t *testing.T) {
	mr := miniredis.RunT(t)

	first, err := NewStore(&redis.Options{Addr: mr.Addr()}, "alpha")
	require.NoError(t, err)
	defer first.Close()

	second, err := NewStore(&redis.Options{Addr: mr.Addr()}, "beta")
	require.NoError(t, err)
	defer second.Close()

	ctx := context.Background()
	require.NoError(t, first.PutWorker(ctx, testWorker("DMN-GN-02-AABBCCDD-00001")))

	workers, err := second.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers, "instances must not see each other's workers")
}
