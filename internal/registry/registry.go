// Package registry is the authoritative store of worker records. It owns
// identity allocation on registration, heartbeat bookkeeping, and the
// patch-application counters, and it writes every mutation through to the
// fleet store so a coordinator restart does not lose the worker table.
//
// The in-memory table is guarded by its own RWMutex; no lock is shared with
// the fusion pool or the broadcast dispatcher, so a slow fusion pass never
// blocks an unrelated heartbeat.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/identity"
	"github.com/dyluth/drey/pkg/fleet"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateRegistration indicates an identical address+role pair is
	// already active. Recoverable: the caller should heartbeat the existing
	// record instead of registering again.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrUnknownWorker indicates the serial is not in the registry.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrWorkerNotActive indicates an operation that requires an active
	// worker hit a sunset or archived record.
	ErrWorkerNotActive = errors.New("worker not active")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State  fleet.LifecycleState // Exact lifecycle state
	Family string               // Two-letter role family from the model number
	Role   string               // Exact role
}

// Status is the fleet summary served by GET status.
type Status struct {
	Total         int      `json:"total"`
	Active        int      `json:"active"`
	Sunset        int      `json:"sunset"`
	Archived      int      `json:"archived"`
	ModelFamilies []string `json:"model_families"`
}

// Registry is the worker table. All public methods are safe for concurrent
// use.
type Registry struct {
	store     *fleet.Store
	allocator *identity.Allocator
	auditLog  *audit.Log
	logger    *zap.Logger

	mu      sync.RWMutex
	workers map[string]*fleet.WorkerRecord // serial -> record
}

// New creates a registry, restoring the worker table from the fleet store so
// identity uniqueness and lifecycle history survive a restart.
func New(ctx context.Context, store *fleet.Store, allocator *identity.Allocator, auditLog *audit.Log, logger *zap.Logger) (*Registry, error) {
	restored, err := store.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore worker table: %w", err)
	}

	workers := make(map[string]*fleet.WorkerRecord, len(restored))
	for _, w := range restored {
		workers[w.Serial] = w
	}

	if len(workers) > 0 {
		logger.Info("worker table restored", zap.Int("workers", len(workers)))
	}

	return &Registry{
		store:     store,
		allocator: allocator,
		auditLog:  auditLog,
		logger:    logger,
		workers:   workers,
	}, nil
}

// Register allocates an identity and creates an active worker record.
// Returns ErrDuplicateRegistration if the address+role pair already has an
// active worker, and identity.ErrUnknownRole for uncatalogued roles.
func (r *Registry) Register(ctx context.Context, role, address string, metadata map[string]string) (*fleet.WorkerRecord, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}

	// Consult the persisted address index as well as the in-memory table:
	// it also covers records written since the table was restored.
	if held, err := r.store.ActiveSerialByAddress(ctx, role, address); err == nil {
		return nil, fmt.Errorf("worker %s already active for %s@%s: %w",
			held, role, address, ErrDuplicateRegistration)
	} else if !fleet.IsNotFound(err) {
		return nil, fmt.Errorf("failed to check address index: %w", err)
	}

	modelNumber, serial, err := r.allocator.Allocate(role)
	if err != nil {
		return nil, err
	}

	now := fleet.NowMs()
	worker := &fleet.WorkerRecord{
		Serial:          serial,
		ModelNumber:     modelNumber,
		Role:            role,
		Address:         address,
		Metadata:        metadata,
		State:           fleet.StateActive,
		RegisteredAtMs:  now,
		LastHeartbeatMs: now,
		AppliedPatches:  make(map[string]bool),
	}

	r.mu.Lock()
	if existing := r.activeByAddressLocked(role, address); existing != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("worker %s already active for %s@%s: %w",
			existing.Serial, role, address, ErrDuplicateRegistration)
	}
	r.workers[serial] = worker
	r.mu.Unlock()

	if err := r.persist(ctx, worker); err != nil {
		// Roll the table back so a failed write cannot leave a phantom worker.
		r.mu.Lock()
		delete(r.workers, serial)
		r.mu.Unlock()
		return nil, err
	}

	if _, err := r.auditLog.Append(ctx, "worker_registered", map[string]string{
		"serial":       serial,
		"model_number": modelNumber,
		"role":         role,
		"address":      address,
	}); err != nil {
		// Unwind the admission entirely, otherwise a client retry after the
		// error would be rejected as a duplicate of this failed attempt.
		r.mu.Lock()
		delete(r.workers, serial)
		r.mu.Unlock()
		if remErr := r.store.RemoveWorker(ctx, worker); remErr != nil {
			r.logger.Warn("failed to unwind worker after audit failure",
				zap.String("serial", serial),
				zap.Error(remErr),
			)
		}
		return nil, fmt.Errorf("failed to audit registration: %w", err)
	}

	if err := r.store.PublishFleetEvent(ctx, &fleet.FleetEvent{
		Type:   "worker_registered",
		Serial: serial,
		Detail: role,
		AtMs:   now,
	}); err != nil {
		// Monitoring events are advisory; log and continue.
		r.logger.Warn("failed to publish registration event", zap.Error(err))
	}

	r.logger.Info("worker registered",
		zap.String("serial", serial),
		zap.String("role", role),
		zap.String("address", address),
	)

	return cloneWorker(worker), nil
}

// Admit inserts a record whose identity was allocated elsewhere, such as a
// rebirth successor carrying lineage links. The serial must be unused.
func (r *Registry) Admit(ctx context.Context, worker *fleet.WorkerRecord) error {
	if err := worker.Validate(); err != nil {
		return fmt.Errorf("invalid worker record: %w", err)
	}

	r.mu.Lock()
	if _, exists := r.workers[worker.Serial]; exists {
		r.mu.Unlock()
		return fmt.Errorf("serial %s already admitted: %w", worker.Serial, ErrDuplicateRegistration)
	}
	r.workers[worker.Serial] = cloneWorker(worker)
	r.mu.Unlock()

	if err := r.persist(ctx, worker); err != nil {
		r.mu.Lock()
		delete(r.workers, worker.Serial)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Heartbeat updates the worker's last-heartbeat timestamp.
// Returns ErrUnknownWorker or ErrWorkerNotActive.
func (r *Registry) Heartbeat(ctx context.Context, serial string) error {
	worker, err := r.update(ctx, serial, func(w *fleet.WorkerRecord) error {
		if w.State != fleet.StateActive {
			return fmt.Errorf("worker %s is %s: %w", serial, w.State, ErrWorkerNotActive)
		}
		w.LastHeartbeatMs = fleet.NowMs()
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("heartbeat recorded",
		zap.String("serial", worker.Serial),
		zap.Int64("at_ms", worker.LastHeartbeatMs),
	)
	return nil
}

// Get returns a copy of the worker record, or ErrUnknownWorker.
func (r *Registry) Get(serial string) (*fleet.WorkerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worker, ok := r.workers[serial]
	if !ok {
		return nil, fmt.Errorf("serial %s: %w", serial, ErrUnknownWorker)
	}
	return cloneWorker(worker), nil
}

// List returns copies of all worker records matching the filter, sorted by
// registration time then serial for stable output.
func (r *Registry) List(filter Filter) []*fleet.WorkerRecord {
	r.mu.RLock()
	out := make([]*fleet.WorkerRecord, 0, len(r.workers))
	for _, w := range r.workers {
		if filter.State != "" && w.State != filter.State {
			continue
		}
		if filter.Family != "" && w.Family() != filter.Family {
			continue
		}
		if filter.Role != "" && w.Role != filter.Role {
			continue
		}
		out = append(out, cloneWorker(w))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAtMs != out[j].RegisteredAtMs {
			return out[i].RegisteredAtMs < out[j].RegisteredAtMs
		}
		return out[i].Serial < out[j].Serial
	})
	return out
}

// RecordPatchApplied increments the worker's patch counter, deduplicated by
// patch ID: the first application counts, a replay of the same patch does
// not. Returns whether the application was counted.
func (r *Registry) RecordPatchApplied(ctx context.Context, serial, patchID string) (bool, error) {
	if patchID == "" {
		return false, fmt.Errorf("patch ID cannot be empty")
	}

	applied := false
	_, err := r.update(ctx, serial, func(w *fleet.WorkerRecord) error {
		if w.AppliedPatches == nil {
			w.AppliedPatches = make(map[string]bool)
		}
		if w.AppliedPatches[patchID] {
			return nil // replay: counted exactly once
		}
		w.AppliedPatches[patchID] = true
		w.PatchesApplied++
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		if _, err := r.auditLog.Append(ctx, "patch_applied", map[string]string{
			"serial":   serial,
			"patch_id": patchID,
		}); err != nil {
			return false, fmt.Errorf("failed to audit patch application: %w", err)
		}
	}

	return applied, nil
}

// Update applies a mutation to a worker record under the registry lock and
// persists the result. The lifecycle manager uses this for state
// transitions, drift scores, and lineage links. The mutation must not
// capture the record beyond the callback.
func (r *Registry) Update(ctx context.Context, serial string, mutate func(*fleet.WorkerRecord) error) (*fleet.WorkerRecord, error) {
	return r.update(ctx, serial, mutate)
}

// StaleWorkers returns copies of active workers whose last heartbeat is
// older than the cutoff. Silence is a drift escalation input for the sweep,
// never grounds for deletion.
func (r *Registry) StaleWorkers(cutoff time.Time) []*fleet.WorkerRecord {
	cutoffMs := cutoff.UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*fleet.WorkerRecord
	for _, w := range r.workers {
		if w.State == fleet.StateActive && w.LastHeartbeatMs < cutoffMs {
			stale = append(stale, cloneWorker(w))
		}
	}
	return stale
}

// Status summarizes the fleet for GET status.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{Total: len(r.workers)}
	families := make(map[string]bool)
	for _, w := range r.workers {
		switch w.State {
		case fleet.StateActive:
			status.Active++
		case fleet.StateSunset:
			status.Sunset++
		case fleet.StateArchived:
			status.Archived++
		}
		if family := w.Family(); family != "" {
			families[family] = true
		}
	}

	status.ModelFamilies = make([]string, 0, len(families))
	for family := range families {
		status.ModelFamilies = append(status.ModelFamilies, family)
	}
	sort.Strings(status.ModelFamilies)

	return status
}

// ActiveCount returns the number of active workers.
func (r *Registry) ActiveCount() int {
	return r.Status().Active
}

// update mutates a record under the write lock and persists it.
func (r *Registry) update(ctx context.Context, serial string, mutate func(*fleet.WorkerRecord) error) (*fleet.WorkerRecord, error) {
	r.mu.Lock()
	worker, ok := r.workers[serial]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("serial %s: %w", serial, ErrUnknownWorker)
	}

	if err := mutate(worker); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	snapshot := cloneWorker(worker)
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// persist writes a record snapshot through to the fleet store.
func (r *Registry) persist(ctx context.Context, w *fleet.WorkerRecord) error {
	if err := r.store.PutWorker(ctx, w); err != nil {
		return fmt.Errorf("failed to persist worker %s: %w", w.Serial, err)
	}
	return nil
}

// activeByAddressLocked finds an active worker for role+address.
// Caller must hold at least the read lock.
func (r *Registry) activeByAddressLocked(role, address string) *fleet.WorkerRecord {
	for _, w := range r.workers {
		if w.State == fleet.StateActive && w.Role == role && w.Address == address {
			return w
		}
	}
	return nil
}

// cloneWorker deep-copies a record so callers can never mutate the table
// through a returned pointer.
func cloneWorker(w *fleet.WorkerRecord) *fleet.WorkerRecord {
	out := *w
	if w.Metadata != nil {
		out.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			out.Metadata[k] = v
		}
	}
	if w.AppliedPatches != nil {
		out.AppliedPatches = make(map[string]bool, len(w.AppliedPatches))
		for k, v := range w.AppliedPatches {
			out.AppliedPatches[k] = v
		}
	}
	return &out
}
