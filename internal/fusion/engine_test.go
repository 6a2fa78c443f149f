package fusion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/drey/internal/audit"
	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/pkg/fleet"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// setupTestEngine creates a fusion engine backed by a miniredis instance.
// mutate tweaks the default fusion config before the engine is built.
func setupTestEngine(t *testing.T, mutate func(*config.FusionConfig)) (*Engine, *fleet.Store) {
	mr := miniredis.RunT(t)

	store, err := fleet.NewStore(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditLog, err := audit.Open(context.Background(), store, zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := config.Default().Fusion
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg, store, auditLog, zaptest.NewLogger(t)), store
}

func TestIngest(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)
	ctx := context.Background()

	accepted, err := engine.Ingest(ctx, "DMN-GN-02-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"NFT", "minting"}, Density: 0.8},
		{Nodes: []string{"market", "trend"}, Density: 0.7},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Equal(t, 2, engine.PoolSize())
}

func TestIngestSkipsMalformed(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)
	ctx := context.Background()

	accepted, err := engine.Ingest(ctx, "DMN-GN-02-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: nil, Density: 0.8},                         // no nodes
		{Nodes: []string{"NFT"}, Density: 1.5},             // density out of range
		{Nodes: []string{"NFT", "minting"}, Density: 0.82}, // valid
	})
	require.NoError(t, err, "malformed clusters are skipped, not fatal")
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, engine.PoolSize())
}

func TestIngestFullPool(t *testing.T) {
	engine, _ := setupTestEngine(t, func(cfg *config.FusionConfig) {
		cfg.PoolCapacity = 1
	})

	accepted, err := engine.Ingest(context.Background(), "DMN-MW-01-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"a", "b"}, Density: 0.7},
		{Nodes: []string{"c", "d"}, Density: 0.7},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPoolFull))
	assert.Equal(t, 1, accepted)
}

// TestFusionOfCorroboratingClusters exercises the canonical fusion path: two
// workers independently observe overlapping NFT clusters (shared nodes "NFT"
// and "blockchain"), the pair fuses into the union node set with the boosted
// confidence of the best contributor, and a predicate clears the invention
// threshold.
func TestFusionOfCorroboratingClusters(t *testing.T) {
	engine, store := setupTestEngine(t, func(cfg *config.FusionConfig) {
		cfg.SimilarityThreshold = 0.5 // the two clusters share 2 of 4 nodes
	})
	ctx := context.Background()

	_, err := engine.Ingest(ctx, "DMN-GN-02-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"NFT", "minting", "blockchain"}, Density: 0.82},
	})
	require.NoError(t, err)
	_, err = engine.Ingest(ctx, "DMN-GN-02-EEFF0011-00002", []*fleet.KnowledgeCluster{
		{Nodes: []string{"NFT", "blockchain", "ownership"}, Density: 0.79},
	})
	require.NoError(t, err)

	result, err := engine.RunPass(ctx)
	require.NoError(t, err)

	require.Len(t, result.Fused, 1)
	fused := result.Fused[0]
	assert.Equal(t, []string{"NFT", "minting", "blockchain", "ownership"}, fused.Nodes)
	assert.InDelta(t, 0.902, fused.Confidence, 1e-9, "0.82 boosted by 10 percent")
	assert.Equal(t, []string{"DMN-GN-02-AABBCCDD-00001", "DMN-GN-02-EEFF0011-00002"}, fused.Contributors)
	assert.GreaterOrEqual(t, fused.Confidence, 0.82, "cross-validation never lowers confidence")

	// 0.902 clears the 0.75 invention threshold.
	require.Len(t, result.Invented, 1)
	predicate := result.Invented[0]
	assert.Equal(t, "NFT::minting", predicate.Name)
	assert.InDelta(t, 0.902, predicate.Confidence, 1e-9)
	assert.Equal(t, SystemApprover, predicate.Approver)

	// Consumed clusters leave the pool; the predicate is persisted.
	assert.Equal(t, 2, result.Consumed)
	assert.Equal(t, 0, engine.PoolSize())

	persisted, err := store.ListPredicates(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, predicate.ID, persisted[0].ID)
}

func TestDissimilarClustersStayPooled(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, "DMN-MW-01-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"market", "volatility"}, Density: 0.9},
		{Nodes: []string{"voice", "timbre"}, Density: 0.9},
	})
	require.NoError(t, err)

	result, err := engine.RunPass(ctx)
	require.NoError(t, err)

	assert.Empty(t, result.Fused)
	assert.Empty(t, result.Invented)
	assert.Equal(t, 0, result.Consumed)
	assert.Equal(t, 2, engine.PoolSize(), "lone clusters wait for corroboration")
}

func TestBelowInventionThresholdFusesWithoutPredicate(t *testing.T) {
	engine, store := setupTestEngine(t, nil)
	ctx := context.Background()

	// Identical node sets (similarity 1.0) but weak densities: boosted
	// confidence 0.55 x 1.10 = 0.605, under the 0.75 invention floor.
	_, err := engine.Ingest(ctx, "DMN-LC-03-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"lore", "canon"}, Density: 0.55},
	})
	require.NoError(t, err)
	_, err = engine.Ingest(ctx, "DMN-LC-03-EEFF0011-00002", []*fleet.KnowledgeCluster{
		{Nodes: []string{"lore", "canon"}, Density: 0.50},
	})
	require.NoError(t, err)

	result, err := engine.RunPass(ctx)
	require.NoError(t, err)

	require.Len(t, result.Fused, 1)
	assert.InDelta(t, 0.605, result.Fused[0].Confidence, 1e-9)
	assert.Empty(t, result.Invented)

	predicates, err := store.ListPredicates(ctx)
	require.NoError(t, err)
	assert.Empty(t, predicates)
}

func TestConfidenceCappedAtOne(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := engine.Ingest(ctx, fmt.Sprintf("DMN-OR-02-AABBCCDD-0000%d", i), []*fleet.KnowledgeCluster{
			{Nodes: []string{"oracle", "forecast"}, Density: 0.95},
		})
		require.NoError(t, err)
	}

	result, err := engine.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, result.Fused, 1)
	assert.Equal(t, 1.0, result.Fused[0].Confidence)
}

// TestNoDoubleCounting: with three mutually similar clusters, one pass
// consumes each cluster into exactly one fused group.
func TestNoDoubleCounting(t *testing.T) {
	// Pairwise Jaccard is 0.5 between each pair; lower the bar so all
	// three land in one group.
	engine, _ := setupTestEngine(t, func(cfg *config.FusionConfig) {
		cfg.SimilarityThreshold = 0.4
	})
	ctx := context.Background()

	for i, nodes := range [][]string{
		{"NFT", "minting", "royalty"},
		{"NFT", "minting", "gas"},
		{"NFT", "minting", "wallet"},
	} {
		_, err := engine.Ingest(ctx, fmt.Sprintf("DMN-GN-02-AABBCCDD-0000%d", i), []*fleet.KnowledgeCluster{
			{Nodes: nodes, Density: 0.8},
		})
		require.NoError(t, err)
	}

	result, err := engine.RunPass(ctx)
	require.NoError(t, err)

	require.Len(t, result.Fused, 1)
	assert.Len(t, result.Fused[0].Contributors, 3)
	assert.Equal(t, 3, result.Consumed)
	assert.Equal(t, 0, engine.PoolSize())
}

func TestBatchReady(t *testing.T) {
	engine, _ := setupTestEngine(t, func(cfg *config.FusionConfig) {
		cfg.BatchSize = 3
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := engine.Ingest(ctx, "DMN-CV-01-AABBCCDD-00001", []*fleet.KnowledgeCluster{
			{Nodes: []string{fmt.Sprintf("n%d", i), "x"}, Density: 0.6},
		})
		require.NoError(t, err)
	}
	assert.False(t, engine.BatchReady())

	_, err := engine.Ingest(ctx, "DMN-CV-01-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"n2", "x"}, Density: 0.6},
	})
	require.NoError(t, err)
	assert.True(t, engine.BatchReady())
}

func TestStats(t *testing.T) {
	engine, store := setupTestEngine(t, nil)
	ctx := context.Background()

	for i, conf := range []float64{0.80, 0.90} {
		require.NoError(t, store.PutPredicate(ctx, &fleet.Predicate{
			ID:          fmt.Sprintf("p-%d", i),
			Name:        fmt.Sprintf("name-%d", i),
			Nodes:       []string{"a", "b"},
			Confidence:  conf,
			CreatedAtMs: fleet.NowMs(),
			Approver:    SystemApprover,
		}))
	}

	_, err := engine.Ingest(ctx, "DMN-AR-01-AABBCCDD-00001", []*fleet.KnowledgeCluster{
		{Nodes: []string{"archive", "index"}, Density: 0.7},
	})
	require.NoError(t, err)

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PoolSize)
	assert.Equal(t, 2, stats.PredicatesTotal)
	assert.InDelta(t, 0.85, stats.AvgConfidence, 1e-9)
}
