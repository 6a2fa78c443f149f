package fleet

import (
	"fmt"
	"regexp"
	"time"
)

// LifecycleState defines where a worker sits in its birth-to-rebirth arc.
// Workers are never physically deleted: a degraded worker is sunset, then
// archived, and may later be succeeded by a fresh identity via rebirth.
type LifecycleState string

const (
	// StateActive indicates the worker is registered and serving.
	StateActive LifecycleState = "active"

	// StateSunset indicates the worker has been retired due to drift and is
	// inside its grace period before archival.
	StateSunset LifecycleState = "sunset"

	// StateArchived indicates the worker record is a frozen historical
	// snapshot. Archived workers can act as rebirth predecessors.
	StateArchived LifecycleState = "archived"
)

// Validate checks if the LifecycleState is a valid enum value.
func (s LifecycleState) Validate() error {
	switch s {
	case StateActive, StateSunset, StateArchived:
		return nil
	default:
		return fmt.Errorf("unknown lifecycle state: %q", s)
	}
}

// serialPattern matches the bit-exact serial format:
// DMN-<two letter family>-<two digit generation>-<8 hex shard>-<5 hex counter>
var serialPattern = regexp.MustCompile(`^DMN-[A-Z]{2}-[0-9]{2}-[0-9A-F]{8}-[0-9A-F]{5}$`)

// IsValidSerial reports whether s matches the worker serial format.
func IsValidSerial(s string) bool {
	return serialPattern.MatchString(s)
}

// WorkerRecord is the authoritative registry entry for a single worker.
// Created on registration, mutated by heartbeat and patch-application events,
// and transitioned through lifecycle states rather than deleted.
type WorkerRecord struct {
	Serial          string            `json:"serial"`            // Globally unique, immutable once assigned
	ModelNumber     string            `json:"model_number"`      // Role family + generation, e.g. DMN-GN-02
	Role            string            `json:"role"`              // Declared role resolved against the model catalog
	Address         string            `json:"address"`           // Network address patches are delivered to
	Metadata        map[string]string `json:"metadata,omitempty"`
	State           LifecycleState    `json:"state"`
	RegisteredAtMs  int64             `json:"registered_at_ms"`
	LastHeartbeatMs int64             `json:"last_heartbeat_ms"`
	PatchesApplied  int               `json:"patches_applied"`
	QueriesServed   int               `json:"queries_served"`
	Escalations     int               `json:"escalations"`
	DriftScore      float64           `json:"drift_score"`

	// Lineage links populated by sunset/rebirth.
	Predecessor  string `json:"predecessor,omitempty"` // Serial of the archived worker this one was reborn from
	Successor    string `json:"successor,omitempty"`   // Serial of the worker reborn from this archived record
	SunsetAtMs   int64  `json:"sunset_at_ms,omitempty"`
	ArchivedAtMs int64  `json:"archived_at_ms,omitempty"`

	// AppliedPatches dedups patch application by patch ID. Replaying a patch
	// the worker already acked must not increment PatchesApplied.
	AppliedPatches map[string]bool `json:"applied_patches,omitempty"`
}

// Validate checks if the WorkerRecord has valid field values.
func (w *WorkerRecord) Validate() error {
	if !IsValidSerial(w.Serial) {
		return fmt.Errorf("invalid serial: %q", w.Serial)
	}
	if w.Role == "" {
		return fmt.Errorf("role cannot be empty")
	}
	if w.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if err := w.State.Validate(); err != nil {
		return fmt.Errorf("invalid state: %w", err)
	}
	if w.DriftScore < 0 || w.DriftScore > 1 {
		return fmt.Errorf("drift score out of range: %v", w.DriftScore)
	}
	return nil
}

// Family returns the two-letter role family encoded in the model number,
// or "" if the model number is malformed.
func (w *WorkerRecord) Family() string {
	if len(w.ModelNumber) < 6 {
		return ""
	}
	return w.ModelNumber[4:6]
}

// KnowledgeCluster is a worker-submitted set of node labels with a density
// score. Clusters are ephemeral: they wait in a bounded pool until a fusion
// pass consumes them.
type KnowledgeCluster struct {
	Worker        string   `json:"worker"`  // Submitting worker serial
	Nodes         []string `json:"nodes"`   // Node labels, insertion order preserved
	Density       float64  `json:"density"` // Confidence in [0,1]
	SubmittedAtMs int64    `json:"submitted_at_ms"`
}

// Validate checks if the KnowledgeCluster has valid field values.
// A cluster with no nodes is malformed; fusion skips it rather than failing.
func (c *KnowledgeCluster) Validate() error {
	if c.Worker == "" {
		return fmt.Errorf("cluster worker cannot be empty")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("cluster has no nodes")
	}
	if c.Density < 0 || c.Density > 1 {
		return fmt.Errorf("cluster density out of range: %v", c.Density)
	}
	return nil
}

// FusedCluster is the merge of two or more mutually similar knowledge
// clusters. Its confidence carries a cross-validation boost and is never
// below the best contributing cluster.
type FusedCluster struct {
	Nodes        []string `json:"nodes"`        // Union of member node sets
	Confidence   float64  `json:"confidence"`   // min(1.0, max(member densities) * boost)
	Contributors []string `json:"contributors"` // Serials of the submitting workers (evidence)
	FusedAtMs    int64    `json:"fused_at_ms"`
}

// Predicate is a named, confidence-scored relationship promoted from a fused
// cluster and distributed fleet-wide. Predicates are immutable once created.
type Predicate struct {
	ID          string   `json:"id"`   // UUID
	Name        string   `json:"name"` // Derived from the two defining node labels
	Nodes       []string `json:"nodes"`
	Confidence  float64  `json:"confidence"` // Fixed at creation, never retroactively altered
	CreatedAtMs int64    `json:"created_at_ms"`
	Approver    string   `json:"approver"` // Always the fusion engine under system authority
}

// Validate checks if the Predicate has valid field values.
func (p *Predicate) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("predicate ID cannot be empty")
	}
	if p.Name == "" {
		return fmt.Errorf("predicate name cannot be empty")
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("predicate has no nodes")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("predicate confidence out of range: %v", p.Confidence)
	}
	return nil
}

// PatchKind distinguishes what a patch carries.
type PatchKind string

const (
	// PatchKindPredicate wraps a fleet-wide predicate.
	PatchKindPredicate PatchKind = "predicate"

	// PatchKindDirective wraps a direct query/answer pair.
	PatchKindDirective PatchKind = "directive"
)

// Validate checks if the PatchKind is a valid enum value.
func (k PatchKind) Validate() error {
	switch k {
	case PatchKindPredicate, PatchKindDirective:
		return nil
	default:
		return fmt.Errorf("unknown patch kind: %q", k)
	}
}

// Patch wraps a predicate (or a direct query/answer pair) for delivery to
// workers. Delivery status is tracked per target in the DeliveryReport, not
// on the patch itself.
type Patch struct {
	ID          string    `json:"id"` // UUID
	Kind        PatchKind `json:"kind"`
	Predicate   *Predicate `json:"predicate,omitempty"`
	Query       string    `json:"query,omitempty"`
	Answer      string    `json:"answer,omitempty"`
	CreatedAtMs int64     `json:"created_at_ms"`
}

// Validate checks if the Patch has valid field values.
func (p *Patch) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("patch ID cannot be empty")
	}
	if err := p.Kind.Validate(); err != nil {
		return fmt.Errorf("invalid patch kind: %w", err)
	}
	if p.Kind == PatchKindPredicate && p.Predicate == nil {
		return fmt.Errorf("predicate patch has no predicate")
	}
	if p.Kind == PatchKindDirective && p.Query == "" {
		return fmt.Errorf("directive patch has no query")
	}
	return nil
}

// DeliveryStatus is the per-target terminal state of a broadcast.
type DeliveryStatus string

const (
	// DeliveryPending indicates the target has not reached a terminal state yet.
	DeliveryPending DeliveryStatus = "pending"

	// DeliveryAcked indicates the target acknowledged the patch.
	DeliveryAcked DeliveryStatus = "acked"

	// DeliveryFailed indicates delivery failed after all retries.
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery is the outcome of pushing one patch to one target worker.
type Delivery struct {
	Serial   string         `json:"serial"`
	Address  string         `json:"address"`
	Status   DeliveryStatus `json:"status"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
}

// DeliveryReport aggregates per-target outcomes for one broadcast. The
// broadcast as a whole never fails on individual targets; partial failure is
// observable here instead.
type DeliveryReport struct {
	PatchID    string     `json:"patch_id"`
	Deliveries []Delivery `json:"deliveries"`
	Acked      int        `json:"acked"`
	Failed     int        `json:"failed"`
}

// DriftSample is one worker-reported confidence observation. Samples feed a
// rolling window; the lifecycle manager evicts the oldest once the window
// exceeds its fixed size.
type DriftSample struct {
	Serial     string  `json:"serial"`
	AtMs       int64   `json:"at_ms"`
	Confidence float64 `json:"confidence"`
}

// AuditEntry is one record in the append-only, hash-chained audit log.
// Hash covers the previous entry's hash concatenated with this entry's
// content, so the whole chain is verifiable end-to-end.
type AuditEntry struct {
	Seq       uint64 `json:"seq"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"` // JSON-encoded event detail
	AtMs      int64  `json:"at_ms"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// NowMs returns the current wall clock in Unix milliseconds, the timestamp
// representation used across the fleet store.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
