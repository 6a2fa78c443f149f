// Package fleet provides type-safe Go definitions and Redis schema patterns
// for the Drey fleet coordination layer. The fleet store is the shared state
// system where all Drey components (coordinator, workers, CLI) interact via
// well-defined data structures persisted in Redis.
//
// All Redis keys and channels are namespaced by instance name so multiple
// Drey instances can safely coexist on a single Redis server.
package fleet
