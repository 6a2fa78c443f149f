package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/broadcast"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/identity"
	"github.com/dyluth/drey/internal/registry"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotArchived indicates a rebirth was requested for a worker that has not
// completed its sunset grace period.
var ErrNotArchived = errors.New("worker not archived")

// ErrAlreadyReborn indicates the archived worker already has a successor.
// Rebirth runs at most once per archived record.
var ErrAlreadyReborn = errors.New("worker already has a successor")

// SweepResult summarizes one lifecycle sweep.
type SweepResult struct {
	Scored    int      `json:"scored"`
	Escalated []string `json:"escalated,omitempty"`
	Sunset    []string `json:"sunset,omitempty"`
	Archived  []string `json:"archived,omitempty"`
	Reborn    []string `json:"reborn,omitempty"`
}

// Manager drives the worker state machine: active workers accumulate drift
// from confidence samples; critical drift triggers sunset; sunset workers are
// archived after a grace period; archived workers may be reborn as fresh
// instances carrying only high-confidence knowledge forward.
type Manager struct {
	cfg        config.LifecycleConfig
	tracker    *Tracker
	registry   *registry.Registry
	dispatcher *broadcast.Dispatcher
	allocator  *identity.Allocator
	store      *fleet.Store
	auditLog   *audit.Log
	logger     *zap.Logger
}

// NewManager creates a lifecycle manager with its own drift tracker.
func NewManager(
	cfg config.LifecycleConfig,
	reg *registry.Registry,
	dispatcher *broadcast.Dispatcher,
	allocator *identity.Allocator,
	store *fleet.Store,
	auditLog *audit.Log,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		tracker:    NewTracker(cfg.WindowSize, cfg.MinSamples, cfg.CriticalDrift),
		registry:   reg,
		dispatcher: dispatcher,
		allocator:  allocator,
		store:      store,
		auditLog:   auditLog,
		logger:     logger,
	}
}

// RecordSample feeds one worker-reported confidence sample into the drift
// window and returns the worker's current drift score. Only active workers
// accumulate samples.
func (m *Manager) RecordSample(ctx context.Context, sample *fleet.DriftSample) (float64, error) {
	worker, err := m.registry.Get(sample.Serial)
	if err != nil {
		return 0, err
	}
	if worker.State != fleet.StateActive {
		return 0, fmt.Errorf("worker %s is %s: %w", worker.Serial, worker.State, registry.ErrWorkerNotActive)
	}

	if err := m.tracker.Observe(sample.Serial, sample.Confidence); err != nil {
		return 0, fmt.Errorf("invalid drift sample: %w", err)
	}
	return m.tracker.Score(sample.Serial), nil
}

// Drift returns the current drift score and band for a serial.
func (m *Manager) Drift(serial string) (float64, Band) {
	score := m.tracker.Score(serial)
	return score, m.tracker.BandFor(score)
}

// Sweep runs one lifecycle pass: score every active worker's drift, escalate
// heartbeat silence, sunset workers at critical drift, archive sunset workers
// past the grace period, and rebirth archived workers when enabled.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	now := fleet.NowMs()

	// Heartbeat silence is a drift escalation input, never grounds for
	// deletion.
	cutoff := time.UnixMilli(now - m.cfg.HeartbeatInterval.Std().Milliseconds())
	for _, worker := range m.registry.StaleWorkers(cutoff) {
		if err := m.escalate(ctx, worker, now); err != nil {
			return nil, err
		}
		result.Escalated = append(result.Escalated, worker.Serial)
	}

	for _, worker := range m.registry.List(registry.Filter{State: fleet.StateActive}) {
		score := m.tracker.Score(worker.Serial)
		if _, err := m.registry.Update(ctx, worker.Serial, func(w *fleet.WorkerRecord) error {
			w.DriftScore = score
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to record drift score for %s: %w", worker.Serial, err)
		}
		result.Scored++

		if score >= m.cfg.CriticalDrift {
			if err := m.Sunset(ctx, worker.Serial, fmt.Sprintf("critical drift %.3f", score)); err != nil {
				return nil, err
			}
			result.Sunset = append(result.Sunset, worker.Serial)
		}
	}

	graceMs := m.cfg.GracePeriod.Std().Milliseconds()
	for _, worker := range m.registry.List(registry.Filter{State: fleet.StateSunset}) {
		if fleet.NowMs()-worker.SunsetAtMs < graceMs {
			continue
		}
		if err := m.Archive(ctx, worker.Serial); err != nil {
			return nil, err
		}
		result.Archived = append(result.Archived, worker.Serial)

		if m.cfg.RebirthEnabled {
			successor, err := m.Rebirth(ctx, worker.Serial)
			if err != nil {
				return nil, err
			}
			result.Reborn = append(result.Reborn, successor.Serial)
		}
	}

	return result, nil
}

// Sunset transitions an active worker to sunset, records the transition in
// the audit log, and sends the worker a shutdown notice. The notice is
// best-effort: an unreachable worker still sunsets.
func (m *Manager) Sunset(ctx context.Context, serial, reason string) error {
	worker, err := m.registry.Update(ctx, serial, func(w *fleet.WorkerRecord) error {
		if w.State != fleet.StateActive {
			return fmt.Errorf("worker %s is %s: %w", serial, w.State, registry.ErrWorkerNotActive)
		}
		w.State = fleet.StateSunset
		w.SunsetAtMs = fleet.NowMs()
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := m.auditLog.Append(ctx, "worker_sunset", map[string]interface{}{
		"serial": serial,
		"drift":  worker.DriftScore,
		"reason": reason,
	}); err != nil {
		return fmt.Errorf("failed to audit sunset: %w", err)
	}

	notice := &fleet.Patch{
		ID:          uuid.New().String(),
		Kind:        fleet.PatchKindDirective,
		Query:       "shutdown",
		Answer:      reason,
		CreatedAtMs: fleet.NowMs(),
	}
	if _, err := m.dispatcher.Broadcast(ctx, notice, []broadcast.Target{
		{Serial: worker.Serial, Address: worker.Address},
	}); err != nil {
		return fmt.Errorf("failed to dispatch shutdown notice: %w", err)
	}

	if err := m.store.PublishFleetEvent(ctx, &fleet.FleetEvent{
		Type:   "worker_sunset",
		Serial: serial,
		Detail: reason,
		AtMs:   worker.SunsetAtMs,
	}); err != nil {
		m.logger.Warn("failed to publish sunset event", zap.Error(err))
	}

	m.logger.Info("worker sunset",
		zap.String("serial", serial),
		zap.Float64("drift", worker.DriftScore),
		zap.String("reason", reason),
	)
	return nil
}

// Archive transitions a sunset worker to archived with a final metrics
// snapshot, and releases its drift window.
func (m *Manager) Archive(ctx context.Context, serial string) error {
	worker, err := m.registry.Update(ctx, serial, func(w *fleet.WorkerRecord) error {
		if w.State != fleet.StateSunset {
			return fmt.Errorf("worker %s is %s, expected sunset: %w", serial, w.State, registry.ErrWorkerNotActive)
		}
		w.State = fleet.StateArchived
		w.ArchivedAtMs = fleet.NowMs()
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := m.auditLog.Append(ctx, "worker_archived", map[string]interface{}{
		"serial":          serial,
		"patches_applied": worker.PatchesApplied,
		"queries_served":  worker.QueriesServed,
		"escalations":     worker.Escalations,
		"drift":           worker.DriftScore,
	}); err != nil {
		return fmt.Errorf("failed to audit archival: %w", err)
	}

	m.tracker.Forget(serial)

	m.logger.Info("worker archived", zap.String("serial", serial))
	return nil
}

// Rebirth spawns a fresh identity from an archived worker. The successor gets
// a brand-new serial (the old one is never reused), inherits the role and
// address, and carries forward only knowledge validated above the confidence
// cutoff: predicates stronger than the cutoff are pre-applied to the
// successor. Predecessor/successor links record the lineage both ways.
func (m *Manager) Rebirth(ctx context.Context, archivedSerial string) (*fleet.WorkerRecord, error) {
	predecessor, err := m.registry.Get(archivedSerial)
	if err != nil {
		return nil, err
	}
	if predecessor.State != fleet.StateArchived {
		return nil, fmt.Errorf("worker %s is %s: %w", archivedSerial, predecessor.State, ErrNotArchived)
	}
	if predecessor.Successor != "" {
		return nil, fmt.Errorf("worker %s already succeeded by %s: %w",
			archivedSerial, predecessor.Successor, ErrAlreadyReborn)
	}

	modelNumber, serial, err := m.allocator.Allocate(predecessor.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate successor identity: %w", err)
	}

	migrated, err := m.migratedPatterns(ctx)
	if err != nil {
		return nil, err
	}

	now := fleet.NowMs()
	successor := &fleet.WorkerRecord{
		Serial:          serial,
		ModelNumber:     modelNumber,
		Role:            predecessor.Role,
		Address:         predecessor.Address,
		Metadata:        predecessor.Metadata,
		State:           fleet.StateActive,
		RegisteredAtMs:  now,
		LastHeartbeatMs: now,
		Predecessor:     archivedSerial,
		AppliedPatches:  make(map[string]bool, len(migrated)),
	}
	for _, predicateID := range migrated {
		successor.AppliedPatches[predicateID] = true
	}
	successor.PatchesApplied = len(migrated)

	if err := m.registry.Admit(ctx, successor); err != nil {
		return nil, fmt.Errorf("failed to admit successor: %w", err)
	}

	if _, err := m.registry.Update(ctx, archivedSerial, func(w *fleet.WorkerRecord) error {
		w.Successor = serial
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to link successor: %w", err)
	}

	if _, err := m.auditLog.Append(ctx, "worker_reborn", map[string]interface{}{
		"predecessor":       archivedSerial,
		"successor":         serial,
		"migrated_patterns": len(migrated),
	}); err != nil {
		return nil, fmt.Errorf("failed to audit rebirth: %w", err)
	}

	if err := m.store.PublishFleetEvent(ctx, &fleet.FleetEvent{
		Type:   "worker_reborn",
		Serial: serial,
		Detail: archivedSerial,
		AtMs:   now,
	}); err != nil {
		m.logger.Warn("failed to publish rebirth event", zap.Error(err))
	}

	m.logger.Info("worker reborn",
		zap.String("predecessor", archivedSerial),
		zap.String("successor", serial),
		zap.Int("migrated_patterns", len(migrated)),
	)
	return successor, nil
}

// escalate bumps a silent worker's escalation counter and audits the gap.
func (m *Manager) escalate(ctx context.Context, worker *fleet.WorkerRecord, nowMs int64) error {
	updated, err := m.registry.Update(ctx, worker.Serial, func(w *fleet.WorkerRecord) error {
		w.Escalations++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to escalate %s: %w", worker.Serial, err)
	}

	if _, err := m.auditLog.Append(ctx, "heartbeat_gap", map[string]interface{}{
		"serial":         worker.Serial,
		"last_heartbeat": worker.LastHeartbeatMs,
		"silent_ms":      nowMs - worker.LastHeartbeatMs,
		"escalations":    updated.Escalations,
	}); err != nil {
		return fmt.Errorf("failed to audit heartbeat gap: %w", err)
	}

	m.logger.Warn("heartbeat gap",
		zap.String("serial", worker.Serial),
		zap.Int("escalations", updated.Escalations),
	)
	return nil
}

// migratedPatterns returns the IDs of predicates whose confidence clears the
// rebirth cutoff, in invention order.
func (m *Manager) migratedPatterns(ctx context.Context) ([]string, error) {
	predicates, err := m.store.ListPredicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list predicates for migration: %w", err)
	}

	var migrated []string
	for _, p := range predicates {
		if p.Confidence > m.cfg.RebirthConfidenceMin {
			migrated = append(migrated, p.ID)
		}
	}
	return migrated, nil
}
