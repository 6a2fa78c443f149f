package fusion

import (
	"context"
	"fmt"

	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/fleet"
	"go.uber.org/zap"
)

// confidenceBoost is the fixed cross-validation multiplier applied to the
// best contributing cluster's confidence, reflecting independent
// corroboration. Capped at 1.0.
const confidenceBoost = 1.10

// PassResult summarizes one fusion pass over a pool snapshot.
type PassResult struct {
	Fused    []*fleet.FusedCluster `json:"fused"`
	Invented []*fleet.Predicate    `json:"invented"`
	Consumed int                   `json:"consumed"` // Clusters removed from the pool
}

// Stats is the fusion surface summary served by GET stats.
type Stats struct {
	PoolSize        int     `json:"pool_size"`
	PredicatesTotal int     `json:"predicates_total"`
	AvgConfidence   float64 `json:"avg_confidence"`
}

// Engine runs similarity fusion over the cluster pool and feeds qualifying
// fusions to the predicate inventor. A pass is deterministic given a fixed
// pool snapshot; clusters arriving mid-pass are excluded from that pass and
// picked up by the next one.
type Engine struct {
	cfg      config.FusionConfig
	pool     *Pool
	inventor *Inventor
	store    *fleet.Store
	auditLog *audit.Log
	logger   *zap.Logger
}

// NewEngine creates a fusion engine with its own bounded pool.
func NewEngine(cfg config.FusionConfig, store *fleet.Store, auditLog *audit.Log, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		pool:     NewPool(cfg.PoolCapacity),
		inventor: NewInventor(cfg.InventionThreshold, store, auditLog, logger),
		store:    store,
		auditLog: auditLog,
		logger:   logger,
	}
}

// Ingest accepts a worker's cluster submissions into the pool. Malformed
// clusters (missing node set, density out of range) are skipped and logged
// rather than aborting the batch; a full pool rejects the remainder.
// Returns the number of clusters accepted.
func (e *Engine) Ingest(ctx context.Context, workerSerial string, clusters []*fleet.KnowledgeCluster) (int, error) {
	accepted := 0
	for _, cluster := range clusters {
		cluster.Worker = workerSerial
		cluster.SubmittedAtMs = fleet.NowMs()

		if err := cluster.Validate(); err != nil {
			e.logger.Warn("skipping malformed cluster",
				zap.String("worker", workerSerial),
				zap.Error(err),
			)
			continue
		}

		if err := e.pool.Add(cluster); err != nil {
			e.logger.Warn("cluster pool rejected submission",
				zap.String("worker", workerSerial),
				zap.Error(err),
			)
			return accepted, err
		}
		accepted++
	}
	return accepted, nil
}

// PoolSize returns the number of clusters awaiting fusion.
func (e *Engine) PoolSize() int {
	return e.pool.Size()
}

// BatchReady reports whether the pool has reached the batch threshold that
// triggers an automatic pass.
func (e *Engine) BatchReady() bool {
	return e.pool.Size() >= e.cfg.BatchSize
}

// RunPass executes one fusion pass: group mutually similar clusters from a
// pool snapshot, fuse each group of two or more, invent predicates for
// qualifying fusions, and remove consumed clusters from the pool.
// Unfused clusters stay pooled awaiting further corroboration.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	snapshot := e.pool.Snapshot()
	result := &PassResult{}

	if len(snapshot) < 2 {
		return result, nil
	}

	groups := groupBySimilarity(snapshot, e.cfg.SimilarityThreshold)

	var consumedIDs []uint64
	for _, group := range groups {
		if len(group) < 2 {
			continue // a lone cluster waits for corroboration
		}

		fused := fuse(group)
		result.Fused = append(result.Fused, fused)
		for _, member := range group {
			consumedIDs = append(consumedIDs, member.id)
		}

		if _, err := e.auditLog.Append(ctx, "clusters_fused", map[string]interface{}{
			"nodes":        fused.Nodes,
			"confidence":   fused.Confidence,
			"contributors": fused.Contributors,
		}); err != nil {
			return nil, fmt.Errorf("failed to audit fusion: %w", err)
		}

		predicate, err := e.inventor.Invent(ctx, fused)
		if err != nil {
			return nil, err
		}
		if predicate != nil {
			result.Invented = append(result.Invented, predicate)
		}
	}

	e.pool.Remove(consumedIDs)
	result.Consumed = len(consumedIDs)

	if len(result.Fused) > 0 {
		e.logger.Info("fusion pass complete",
			zap.Int("fused", len(result.Fused)),
			zap.Int("invented", len(result.Invented)),
			zap.Int("consumed", result.Consumed),
			zap.Int("pool_remaining", e.pool.Size()),
		)
	}

	return result, nil
}

// Stats summarizes the fusion surface.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	predicates, err := e.store.ListPredicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list predicates: %w", err)
	}

	stats := &Stats{
		PoolSize:        e.pool.Size(),
		PredicatesTotal: len(predicates),
	}

	if len(predicates) > 0 {
		sum := 0.0
		for _, p := range predicates {
			sum += p.Confidence
		}
		stats.AvgConfidence = sum / float64(len(predicates))
	}

	return stats, nil
}

// Predicates returns every invented predicate in invention order.
func (e *Engine) Predicates(ctx context.Context) ([]*fleet.Predicate, error) {
	return e.store.ListPredicates(ctx)
}

// groupBySimilarity partitions a snapshot into candidate fusion groups.
// Clusters are visited in submission order; each joins the existing group it
// is most similar to (ties broken by the higher similarity score, then by
// earlier group) when that best similarity clears the threshold, otherwise
// it seeds a new group. Each cluster lands in exactly one group, so no
// cluster is double-counted into two fusions.
func groupBySimilarity(snapshot []pooled, threshold float64) [][]pooled {
	var groups [][]pooled

	for _, candidate := range snapshot {
		bestGroup := -1
		bestSim := 0.0

		for gi, group := range groups {
			for _, member := range group {
				sim := Jaccard(candidate.cluster.Nodes, member.cluster.Nodes)
				if sim > bestSim {
					bestSim = sim
					bestGroup = gi
				}
			}
		}

		if bestGroup >= 0 && bestSim >= threshold {
			groups[bestGroup] = append(groups[bestGroup], candidate)
		} else {
			groups = append(groups, []pooled{candidate})
		}
	}

	return groups
}

// fuse merges a group of mutually similar clusters into one FusedCluster.
// The node set is the union of all members (insertion order preserved) and
// the confidence is the best member density with the cross-validation boost,
// capped at 1.0 - never below the best single contributor.
func fuse(group []pooled) *fleet.FusedCluster {
	nodeLists := make([][]string, 0, len(group))
	contributors := make([]string, 0, len(group))
	maxDensity := 0.0

	for _, member := range group {
		nodeLists = append(nodeLists, member.cluster.Nodes)
		contributors = append(contributors, member.cluster.Worker)
		if member.cluster.Density > maxDensity {
			maxDensity = member.cluster.Density
		}
	}

	confidence := maxDensity * confidenceBoost
	if confidence > 1.0 {
		confidence = 1.0
	}

	return &fleet.FusedCluster{
		Nodes:        unionPreservingOrder(nodeLists...),
		Confidence:   confidence,
		Contributors: contributors,
		FusedAtMs:    fleet.NowMs(),
	}
}
