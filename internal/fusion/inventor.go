package fusion

import (
	"context"
	"fmt"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// predicateNameSeparator joins the two defining node labels into the
// predicate's human-readable name.
const predicateNameSeparator = "::"

// SystemApprover is recorded on every predicate: the fusion engine acting
// under system authority. Predicates are never human-approved.
const SystemApprover = "fusion-engine"

// Inventor promotes fused clusters above the invention threshold into named,
// immutable predicates. Below-threshold fusions are discarded; they remain
// representable if resubmitted with more corroboration in a later pass.
type Inventor struct {
	threshold float64
	store     *fleet.Store
	auditLog  *audit.Log
	logger    *zap.Logger
}

// NewInventor creates a predicate inventor with the given confidence
// threshold.
func NewInventor(threshold float64, store *fleet.Store, auditLog *audit.Log, logger *zap.Logger) *Inventor {
	return &Inventor{
		threshold: threshold,
		store:     store,
		auditLog:  auditLog,
		logger:    logger,
	}
}

// Invent creates a predicate from a fused cluster if its confidence clears
// the threshold. Returns (nil, nil) for below-threshold fusions. The
// predicate is persisted and audited before being returned for broadcast.
func (inv *Inventor) Invent(ctx context.Context, fused *fleet.FusedCluster) (*fleet.Predicate, error) {
	if fused.Confidence < inv.threshold {
		inv.logger.Debug("fused cluster below invention threshold",
			zap.Float64("confidence", fused.Confidence),
			zap.Float64("threshold", inv.threshold),
		)
		return nil, nil
	}

	predicate := &fleet.Predicate{
		ID:          uuid.New().String(),
		Name:        PredicateName(fused.Nodes),
		Nodes:       fused.Nodes,
		Confidence:  fused.Confidence,
		CreatedAtMs: fleet.NowMs(),
		Approver:    SystemApprover,
	}

	if err := inv.store.PutPredicate(ctx, predicate); err != nil {
		return nil, fmt.Errorf("failed to persist predicate: %w", err)
	}

	if _, err := inv.auditLog.Append(ctx, "predicate_invented", map[string]interface{}{
		"predicate_id": predicate.ID,
		"name":         predicate.Name,
		"confidence":   predicate.Confidence,
		"contributors": fused.Contributors,
	}); err != nil {
		return nil, fmt.Errorf("failed to audit predicate invention: %w", err)
	}

	inv.logger.Info("predicate invented",
		zap.String("predicate_id", predicate.ID),
		zap.String("name", predicate.Name),
		zap.Float64("confidence", predicate.Confidence),
	)

	return predicate, nil
}

// PredicateName derives the deterministic predicate name from a fused node
// set: the first two labels in insertion order joined by the separator.
// A single-label set names itself.
func PredicateName(nodes []string) string {
	if len(nodes) == 0 {
		return ""
	}
	if len(nodes) == 1 {
		return nodes[0]
	}
	return nodes[0] + predicateNameSeparator + nodes[1]
}
