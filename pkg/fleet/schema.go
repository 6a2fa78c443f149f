package fleet

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Drey instances to safely coexist on a single Redis server.
//
// Key pattern: drey:{instance_name}:{entity}:{id}
// Channel pattern: drey:{instance_name}:{event_type}_events

// WorkerKey returns the Redis key for a worker record hash.
// Pattern: drey:{instance_name}:worker:{serial}
func WorkerKey(instanceName, serial string) string {
	return fmt.Sprintf("drey:%s:worker:%s", instanceName, serial)
}

// WorkerIndexKey returns the Redis key for the set of all worker serials.
// Pattern: drey:{instance_name}:workers
func WorkerIndexKey(instanceName string) string {
	return fmt.Sprintf("drey:%s:workers", instanceName)
}

// WorkerByAddressKey returns the Redis key for the address+role -> serial
// index. This enables the duplicate-registration idempotency guard.
// Pattern: drey:{instance_name}:worker_by_address:{role}@{address}
func WorkerByAddressKey(instanceName, role, address string) string {
	return fmt.Sprintf("drey:%s:worker_by_address:%s@%s", instanceName, role, address)
}

// PredicateKey returns the Redis key for a predicate hash.
// Pattern: drey:{instance_name}:predicate:{predicate_id}
func PredicateKey(instanceName, predicateID string) string {
	return fmt.Sprintf("drey:%s:predicate:%s", instanceName, predicateID)
}

// PredicateIndexKey returns the Redis key for the predicate ZSET, scored by
// creation time so listings come back in invention order.
// Pattern: drey:{instance_name}:predicates
func PredicateIndexKey(instanceName string) string {
	return fmt.Sprintf("drey:%s:predicates", instanceName)
}

// AuditLogKey returns the Redis key for the append-only audit list.
// Pattern: drey:{instance_name}:audit
func AuditLogKey(instanceName string) string {
	return fmt.Sprintf("drey:%s:audit", instanceName)
}

// FleetEventsChannel returns the Pub/Sub channel name for fleet events.
// Registrations, patch broadcasts, and lifecycle transitions are published
// here for real-time monitoring.
// Pattern: drey:{instance_name}:fleet_events
func FleetEventsChannel(instanceName string) string {
	return fmt.Sprintf("drey:%s:fleet_events", instanceName)
}
