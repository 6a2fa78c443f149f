package fleet

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// maps and arrays are JSON-encoded into single hash fields. This keeps
// individual scalar fields queryable while allowing richer structures.

// WorkerToHash converts a WorkerRecord to a Redis hash format.
// Map and array fields (metadata, applied_patches) are JSON-encoded.
func WorkerToHash(w *WorkerRecord) (map[string]interface{}, error) {
	metadataJSON, err := json.Marshal(w.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	appliedJSON, err := json.Marshal(w.AppliedPatches)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal applied_patches: %w", err)
	}

	hash := map[string]interface{}{
		"serial":            w.Serial,
		"model_number":      w.ModelNumber,
		"role":              w.Role,
		"address":           w.Address,
		"metadata":          string(metadataJSON),
		"state":             string(w.State),
		"registered_at_ms":  w.RegisteredAtMs,
		"last_heartbeat_ms": w.LastHeartbeatMs,
		"patches_applied":   w.PatchesApplied,
		"queries_served":    w.QueriesServed,
		"escalations":       w.Escalations,
		"drift_score":       strconv.FormatFloat(w.DriftScore, 'f', -1, 64),
		"predecessor":       w.Predecessor,
		"successor":         w.Successor,
		"sunset_at_ms":      w.SunsetAtMs,
		"archived_at_ms":    w.ArchivedAtMs,
		"applied_patches":   string(appliedJSON),
	}

	return hash, nil
}

// HashToWorker converts a Redis hash to a WorkerRecord.
// JSON fields are decoded back to Go types.
func HashToWorker(hash map[string]string) (*WorkerRecord, error) {
	registeredAtMs, err := strconv.ParseInt(hash["registered_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid registered_at_ms field: %w", err)
	}

	lastHeartbeatMs, _ := strconv.ParseInt(hash["last_heartbeat_ms"], 10, 64)
	sunsetAtMs, _ := strconv.ParseInt(hash["sunset_at_ms"], 10, 64)
	archivedAtMs, _ := strconv.ParseInt(hash["archived_at_ms"], 10, 64)
	patchesApplied, _ := strconv.Atoi(hash["patches_applied"])
	queriesServed, _ := strconv.Atoi(hash["queries_served"])
	escalations, _ := strconv.Atoi(hash["escalations"])

	driftScore, err := strconv.ParseFloat(hash["drift_score"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid drift_score field: %w", err)
	}

	var metadata map[string]string
	if metadataJSON := hash["metadata"]; metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	var applied map[string]bool
	if appliedJSON := hash["applied_patches"]; appliedJSON != "" && appliedJSON != "null" {
		if err := json.Unmarshal([]byte(appliedJSON), &applied); err != nil {
			return nil, fmt.Errorf("failed to unmarshal applied_patches: %w", err)
		}
	}

	worker := &WorkerRecord{
		Serial:          hash["serial"],
		ModelNumber:     hash["model_number"],
		Role:            hash["role"],
		Address:         hash["address"],
		Metadata:        metadata,
		State:           LifecycleState(hash["state"]),
		RegisteredAtMs:  registeredAtMs,
		LastHeartbeatMs: lastHeartbeatMs,
		PatchesApplied:  patchesApplied,
		QueriesServed:   queriesServed,
		Escalations:     escalations,
		DriftScore:      driftScore,
		Predecessor:     hash["predecessor"],
		Successor:       hash["successor"],
		SunsetAtMs:      sunsetAtMs,
		ArchivedAtMs:    archivedAtMs,
		AppliedPatches:  applied,
	}

	return worker, nil
}

// PredicateToHash converts a Predicate to a Redis hash format.
func PredicateToHash(p *Predicate) (map[string]interface{}, error) {
	nodesJSON, err := json.Marshal(p.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal nodes: %w", err)
	}

	hash := map[string]interface{}{
		"id":            p.ID,
		"name":          p.Name,
		"nodes":         string(nodesJSON),
		"confidence":    strconv.FormatFloat(p.Confidence, 'f', -1, 64),
		"created_at_ms": p.CreatedAtMs,
		"approver":      p.Approver,
	}

	return hash, nil
}

// HashToPredicate converts a Redis hash to a Predicate.
func HashToPredicate(hash map[string]string) (*Predicate, error) {
	confidence, err := strconv.ParseFloat(hash["confidence"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid confidence field: %w", err)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	var nodes []string
	if nodesJSON := hash["nodes"]; nodesJSON != "" {
		if err := json.Unmarshal([]byte(nodesJSON), &nodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
		}
	}
	if nodes == nil {
		nodes = []string{}
	}

	predicate := &Predicate{
		ID:          hash["id"],
		Name:        hash["name"],
		Nodes:       nodes,
		Confidence:  confidence,
		CreatedAtMs: createdAtMs,
		Approver:    hash["approver"],
	}

	return predicate, nil
}
