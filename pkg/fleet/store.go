package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store provides instance-scoped Redis operations for the fleet state.
// All keys and channels are automatically namespaced with the instance name.
// The store is thread-safe and can be used concurrently from multiple
// goroutines.
type Store struct {
	rdb          *redis.Client
	instanceName string
}

// NewStore creates a new fleet store for the specified instance.
// The store automatically namespaces all keys and channels with the instance
// name. Returns an error if instanceName is empty.
func NewStore(redisOpts *redis.Options, instanceName string) (*Store, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Store{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the instance this store is namespaced to.
func (s *Store) InstanceName() string {
	return s.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// PutWorker writes a worker record to Redis and indexes it.
// Validates the record before writing. This method is idempotent: writing
// the same record twice is safe (full hash replacement).
func (s *Store) PutWorker(ctx context.Context, w *WorkerRecord) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid worker record: %w", err)
	}

	hash, err := WorkerToHash(w)
	if err != nil {
		return fmt.Errorf("failed to serialize worker: %w", err)
	}

	key := WorkerKey(s.instanceName, w.Serial)
	if err := s.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write worker to Redis: %w", err)
	}

	if err := s.rdb.SAdd(ctx, WorkerIndexKey(s.instanceName), w.Serial).Err(); err != nil {
		return fmt.Errorf("failed to index worker: %w", err)
	}

	// Maintain the address+role index only while the worker is active so a
	// sunset worker frees its slot for re-registration.
	addrKey := WorkerByAddressKey(s.instanceName, w.Role, w.Address)
	if w.State == StateActive {
		if err := s.rdb.Set(ctx, addrKey, w.Serial, 0).Err(); err != nil {
			return fmt.Errorf("failed to index worker address: %w", err)
		}
	} else {
		current, err := s.rdb.Get(ctx, addrKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read worker address index: %w", err)
		}
		if current == w.Serial {
			if err := s.rdb.Del(ctx, addrKey).Err(); err != nil {
				return fmt.Errorf("failed to clear worker address index: %w", err)
			}
		}
	}

	return nil
}

// RemoveWorker deletes a worker record and its index entries. This exists
// only to unwind a failed admission; admitted workers move through lifecycle
// states and are never removed. The address slot is cleared only if this
// serial still holds it.
func (s *Store) RemoveWorker(ctx context.Context, w *WorkerRecord) error {
	if err := s.rdb.Del(ctx, WorkerKey(s.instanceName, w.Serial)).Err(); err != nil {
		return fmt.Errorf("failed to delete worker from Redis: %w", err)
	}

	if err := s.rdb.SRem(ctx, WorkerIndexKey(s.instanceName), w.Serial).Err(); err != nil {
		return fmt.Errorf("failed to deindex worker: %w", err)
	}

	addrKey := WorkerByAddressKey(s.instanceName, w.Role, w.Address)
	current, err := s.rdb.Get(ctx, addrKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read worker address index: %w", err)
	}
	if current == w.Serial {
		if err := s.rdb.Del(ctx, addrKey).Err(); err != nil {
			return fmt.Errorf("failed to clear worker address index: %w", err)
		}
	}

	return nil
}

// GetWorker retrieves a worker record by serial.
// Returns (nil, redis.Nil) if the worker doesn't exist.
// Use IsNotFound() to check for not-found errors.
func (s *Store) GetWorker(ctx context.Context, serial string) (*WorkerRecord, error) {
	key := WorkerKey(s.instanceName, serial)

	hashData, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys.
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	worker, err := HashToWorker(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize worker: %w", err)
	}

	return worker, nil
}

// ActiveSerialByAddress looks up the serial currently registered for an
// address+role pair. Returns ("", redis.Nil) if no active worker holds it.
func (s *Store) ActiveSerialByAddress(ctx context.Context, role, address string) (string, error) {
	serial, err := s.rdb.Get(ctx, WorkerByAddressKey(s.instanceName, role, address)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", redis.Nil
		}
		return "", fmt.Errorf("failed to read worker address index: %w", err)
	}
	return serial, nil
}

// ListWorkers retrieves every worker record in the instance.
// Ordering is not guaranteed; callers sort as needed.
func (s *Store) ListWorkers(ctx context.Context) ([]*WorkerRecord, error) {
	serials, err := s.rdb.SMembers(ctx, WorkerIndexKey(s.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list worker serials: %w", err)
	}

	workers := make([]*WorkerRecord, 0, len(serials))
	for _, serial := range serials {
		worker, err := s.GetWorker(ctx, serial)
		if err != nil {
			if IsNotFound(err) {
				// Index can momentarily lead the hash write; skip.
				continue
			}
			return nil, err
		}
		workers = append(workers, worker)
	}

	return workers, nil
}

// PutPredicate writes a predicate to Redis and indexes it by creation time.
// Predicates are immutable; this is only ever called once per predicate.
func (s *Store) PutPredicate(ctx context.Context, p *Predicate) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid predicate: %w", err)
	}

	hash, err := PredicateToHash(p)
	if err != nil {
		return fmt.Errorf("failed to serialize predicate: %w", err)
	}

	key := PredicateKey(s.instanceName, p.ID)
	if err := s.rdb.HSet(ctx, key, hash).Err(); err != nil {
		return fmt.Errorf("failed to write predicate to Redis: %w", err)
	}

	z := redis.Z{
		Score:  float64(p.CreatedAtMs),
		Member: p.ID,
	}
	if err := s.rdb.ZAdd(ctx, PredicateIndexKey(s.instanceName), z).Err(); err != nil {
		return fmt.Errorf("failed to index predicate: %w", err)
	}

	return nil
}

// ListPredicates retrieves all predicates in invention order (oldest first).
func (s *Store) ListPredicates(ctx context.Context) ([]*Predicate, error) {
	ids, err := s.rdb.ZRange(ctx, PredicateIndexKey(s.instanceName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list predicate ids: %w", err)
	}

	predicates := make([]*Predicate, 0, len(ids))
	for _, id := range ids {
		hashData, err := s.rdb.HGetAll(ctx, PredicateKey(s.instanceName, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read predicate from Redis: %w", err)
		}
		if len(hashData) == 0 {
			continue
		}
		predicate, err := HashToPredicate(hashData)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize predicate: %w", err)
		}
		predicates = append(predicates, predicate)
	}

	return predicates, nil
}

// AppendAuditEntry appends an entry to the instance's audit list.
// The caller (internal/audit) owns sequence numbering and hash chaining;
// the store only persists. Entries are JSON-encoded list elements.
func (s *Store) AppendAuditEntry(ctx context.Context, entry *AuditEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	key := AuditLogKey(s.instanceName)
	if err := s.rdb.RPush(ctx, key, entryJSON).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// AuditEntries retrieves audit entries [start, stop] (inclusive, Redis list
// semantics; use 0, -1 for the full chain).
func (s *Store) AuditEntries(ctx context.Context, start, stop int64) ([]*AuditEntry, error) {
	key := AuditLogKey(s.instanceName)

	raw, err := s.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	entries := make([]*AuditEntry, 0, len(raw))
	for i, item := range raw {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry %d: %w", i, err)
		}
		entries = append(entries, &entry)
	}

	return entries, nil
}

// AuditLength returns the number of persisted audit entries.
func (s *Store) AuditLength(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, AuditLogKey(s.instanceName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read audit length: %w", err)
	}
	return n, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetWorker or ActiveSerialByAddress
// returned "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
