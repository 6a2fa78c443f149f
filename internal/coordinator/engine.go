// Package coordinator wires the registry, fusion engine, broadcast
// dispatcher, and lifecycle manager into one running service: it owns the
// background fusion and sweep loops and the orchestration between fusion
// output and fleet-wide patch broadcast.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/broadcast"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/fusion"
	"github.com/dyluth/drey/internal/lifecycle"
	"github.com/dyluth/drey/internal/metrics"
	"github.com/dyluth/drey/internal/registry"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PassSummary is the outcome of one orchestrated fusion pass: the fusion
// result plus the delivery reports for every predicate broadcast it caused.
type PassSummary struct {
	FusedCount    int                     `json:"fused_count"`
	InventedCount int                     `json:"predicates_invented"`
	Broadcasts    []*fleet.DeliveryReport `json:"broadcasts,omitempty"`
}

// Engine is the running coordinator.
type Engine struct {
	cfg        *config.DreyConfig
	store      *fleet.Store
	auditLog   *audit.Log
	registry   *registry.Registry
	fusion     *fusion.Engine
	dispatcher *broadcast.Dispatcher
	lifecycle  *lifecycle.Manager
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// fusionTrigger wakes the fusion loop when ingestion fills a batch.
	fusionTrigger chan struct{}
}

// New assembles a coordinator from its already-constructed parts.
func New(
	cfg *config.DreyConfig,
	store *fleet.Store,
	auditLog *audit.Log,
	reg *registry.Registry,
	fusionEngine *fusion.Engine,
	dispatcher *broadcast.Dispatcher,
	lifecycleManager *lifecycle.Manager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:           cfg,
		store:         store,
		auditLog:      auditLog,
		registry:      reg,
		fusion:        fusionEngine,
		dispatcher:    dispatcher,
		lifecycle:     lifecycleManager,
		metrics:       m,
		logger:        logger,
		fusionTrigger: make(chan struct{}, 1),
	}
}

// IngestClusters accepts cluster submissions from a registered, active worker
// and wakes the fusion loop once a batch is ready. Returns the number of
// clusters accepted into the pool.
func (e *Engine) IngestClusters(ctx context.Context, workerSerial string, clusters []*fleet.KnowledgeCluster) (int, error) {
	worker, err := e.registry.Get(workerSerial)
	if err != nil {
		return 0, err
	}
	if worker.State != fleet.StateActive {
		return 0, fmt.Errorf("worker %s is %s: %w", workerSerial, worker.State, registry.ErrWorkerNotActive)
	}

	accepted, err := e.fusion.Ingest(ctx, workerSerial, clusters)
	e.metrics.ClustersIngestedTotal.Add(float64(accepted))
	e.metrics.ClusterPoolSize.Set(float64(e.fusion.PoolSize()))
	if err != nil {
		return accepted, err
	}

	if e.fusion.BatchReady() {
		select {
		case e.fusionTrigger <- struct{}{}:
		default: // a pass is already pending
		}
	}
	return accepted, nil
}

// ForceFusion runs one fusion pass synchronously, broadcasting any invented
// predicates, and returns the summary.
func (e *Engine) ForceFusion(ctx context.Context) (*PassSummary, error) {
	return e.runFusionPass(ctx)
}

// runFusionPass executes one fusion pass and pushes each invented predicate
// to every active worker.
func (e *Engine) runFusionPass(ctx context.Context) (*PassSummary, error) {
	result, err := e.fusion.RunPass(ctx)
	if err != nil {
		return nil, err
	}

	e.metrics.FusionPassesTotal.Inc()
	e.metrics.FusedClustersTotal.Add(float64(len(result.Fused)))
	e.metrics.PredicatesTotal.Add(float64(len(result.Invented)))
	e.metrics.ClusterPoolSize.Set(float64(e.fusion.PoolSize()))

	summary := &PassSummary{
		FusedCount:    len(result.Fused),
		InventedCount: len(result.Invented),
	}

	for _, predicate := range result.Invented {
		report, err := e.broadcastPredicate(ctx, predicate)
		if err != nil {
			return nil, err
		}
		if report != nil {
			summary.Broadcasts = append(summary.Broadcasts, report)
		}
	}
	return summary, nil
}

// broadcastPredicate wraps a freshly invented predicate in a patch and fans
// it out to a snapshot of the active fleet.
func (e *Engine) broadcastPredicate(ctx context.Context, predicate *fleet.Predicate) (*fleet.DeliveryReport, error) {
	workers := e.registry.List(registry.Filter{State: fleet.StateActive})
	if len(workers) == 0 {
		return nil, nil
	}

	targets := make([]broadcast.Target, len(workers))
	for i, w := range workers {
		targets[i] = broadcast.Target{Serial: w.Serial, Address: w.Address}
	}

	patch := &fleet.Patch{
		ID:          uuid.New().String(),
		Kind:        fleet.PatchKindPredicate,
		Predicate:   predicate,
		CreatedAtMs: fleet.NowMs(),
	}

	report, err := e.dispatcher.Broadcast(ctx, patch, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast predicate %s: %w", predicate.ID, err)
	}

	e.metrics.DeliveriesTotal.WithLabelValues(string(fleet.DeliveryAcked)).Add(float64(report.Acked))
	e.metrics.DeliveriesTotal.WithLabelValues(string(fleet.DeliveryFailed)).Add(float64(report.Failed))

	if err := e.store.PublishFleetEvent(ctx, &fleet.FleetEvent{
		Type:      "predicate_broadcast",
		PatchID:   patch.ID,
		Predicate: predicate.Name,
		AtMs:      patch.CreatedAtMs,
	}); err != nil {
		e.logger.Warn("failed to publish broadcast event", zap.Error(err))
	}

	return report, nil
}

// runSweep executes one lifecycle sweep and refreshes the fleet gauges.
func (e *Engine) runSweep(ctx context.Context) error {
	result, err := e.lifecycle.Sweep(ctx)
	if err != nil {
		return err
	}

	e.metrics.SunsetsTotal.Add(float64(len(result.Sunset)))
	e.metrics.RebirthsTotal.Add(float64(len(result.Reborn)))
	e.metrics.ActiveWorkers.Set(float64(e.registry.ActiveCount()))

	if len(result.Sunset) > 0 || len(result.Archived) > 0 {
		e.logger.Info("lifecycle sweep",
			zap.Int("scored", result.Scored),
			zap.Strings("sunset", result.Sunset),
			zap.Strings("archived", result.Archived),
			zap.Strings("reborn", result.Reborn),
		)
	}
	return nil
}

// Run serves the HTTP API and drives the background loops until ctx is
// cancelled, then shuts the listener down cleanly. The fusion loop wakes on
// its interval ticker or as soon as ingestion reports a full batch; the sweep
// loop runs purely on its ticker.
func (e *Engine) Run(ctx context.Context, handler http.Handler) error {
	server := &http.Server{
		Addr:    e.cfg.Server.Listen,
		Handler: handler,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		e.logger.Info("http api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error { return e.fusionLoop(groupCtx) })
	group.Go(func() error { return e.sweepLoop(groupCtx) })

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) fusionLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Fusion.PassInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.fusionTrigger:
		}

		if _, err := e.runFusionPass(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A failed pass leaves the pool intact for the next trigger.
			e.logger.Error("fusion pass failed", zap.Error(err))
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Lifecycle.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := e.runSweep(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			e.logger.Error("lifecycle sweep failed", zap.Error(err))
		}
	}
}
