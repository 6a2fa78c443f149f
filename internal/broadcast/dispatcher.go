// Package broadcast fans patches out to worker processes over HTTP with
// bounded concurrency and per-target retries. A broadcast as a whole never
// fails because individual targets are unreachable; per-target outcomes are
// reported in the DeliveryReport and written to the audit log.
package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/fleet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Target is a broadcast recipient: a snapshot of a worker's serial and
// address taken before the fan-out starts, so no registry lock is held while
// deliveries are in flight.
type Target struct {
	Serial  string
	Address string
}

// Dispatcher pushes patches to worker endpoints. Workers accept a patch via
// POST {address}/patch; any 2xx response is an acknowledgement.
type Dispatcher struct {
	cfg      config.BroadcastConfig
	client   *http.Client
	auditLog *audit.Log
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher with its own HTTP client. The client
// carries no global timeout; each attempt gets a per-attempt context deadline
// instead.
func NewDispatcher(cfg config.BroadcastConfig, auditLog *audit.Log, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{},
		auditLog: auditLog,
		logger:   logger,
	}
}

// Broadcast delivers one patch to every target, at most cfg.Concurrency
// in flight at once. Each target gets up to 1+cfg.Retries attempts, each
// bounded by cfg.TargetTimeout, with backoff between attempts. A failing
// target never aborts its siblings. Every terminal outcome is audited.
//
// The returned report lists deliveries in target order. The error return
// covers infrastructure failures (invalid patch, audit append) only, never
// per-target delivery failures.
func (d *Dispatcher) Broadcast(ctx context.Context, patch *fleet.Patch, targets []Target) (*fleet.DeliveryReport, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}

	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}

	report := &fleet.DeliveryReport{
		PatchID:    patch.ID,
		Deliveries: make([]fleet.Delivery, len(targets)),
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.Concurrency)

	for i, target := range targets {
		i, target := i, target
		group.Go(func() error {
			delivery := d.deliver(groupCtx, target, body)

			mu.Lock()
			report.Deliveries[i] = delivery
			if delivery.Status == fleet.DeliveryAcked {
				report.Acked++
			} else {
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}

	// Workers in the group never return errors; Wait only orders the
	// report assembly after the last delivery.
	_ = group.Wait()

	if err := d.auditOutcomes(ctx, patch.ID, report); err != nil {
		return nil, err
	}

	d.logger.Info("broadcast complete",
		zap.String("patch_id", patch.ID),
		zap.Int("targets", len(targets)),
		zap.Int("acked", report.Acked),
		zap.Int("failed", report.Failed),
	)

	return report, nil
}

// deliver attempts one target until acknowledged or attempts are exhausted.
func (d *Dispatcher) deliver(ctx context.Context, target Target, body []byte) fleet.Delivery {
	delivery := fleet.Delivery{
		Serial:  target.Serial,
		Address: target.Address,
		Status:  fleet.DeliveryPending,
	}

	maxAttempts := 1 + d.cfg.Retries
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delivery.Attempts = attempt

		err := d.attempt(ctx, target.Address, body)
		if err == nil {
			delivery.Status = fleet.DeliveryAcked
			delivery.Error = ""
			return delivery
		}
		delivery.Error = err.Error()

		d.logger.Debug("patch delivery attempt failed",
			zap.String("serial", target.Serial),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < maxAttempts {
			select {
			case <-time.After(d.cfg.RetryBackoff.Std() * time.Duration(attempt)):
			case <-ctx.Done():
				delivery.Status = fleet.DeliveryFailed
				delivery.Error = ctx.Err().Error()
				return delivery
			}
		}
	}

	delivery.Status = fleet.DeliveryFailed
	return delivery
}

// attempt makes a single POST to the target's patch endpoint, bounded by the
// per-target timeout.
func (d *Dispatcher) attempt(ctx context.Context, address string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.TargetTimeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, address+"/patch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return nil
}

// auditOutcomes records one audit entry per terminal delivery outcome, in
// target order, plus a summary entry for the broadcast.
func (d *Dispatcher) auditOutcomes(ctx context.Context, patchID string, report *fleet.DeliveryReport) error {
	ordered := make([]fleet.Delivery, len(report.Deliveries))
	copy(ordered, report.Deliveries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Serial < ordered[j].Serial })

	for _, delivery := range ordered {
		if _, err := d.auditLog.Append(ctx, "patch_delivery", map[string]interface{}{
			"patch_id": patchID,
			"serial":   delivery.Serial,
			"status":   delivery.Status,
			"attempts": delivery.Attempts,
		}); err != nil {
			return fmt.Errorf("failed to audit delivery outcome: %w", err)
		}
	}

	if _, err := d.auditLog.Append(ctx, "patch_broadcast", map[string]interface{}{
		"patch_id": patchID,
		"targets":  len(report.Deliveries),
		"acked":    report.Acked,
		"failed":   report.Failed,
	}); err != nil {
		return fmt.Errorf("failed to audit broadcast summary: %w", err)
	}
	return nil
}
