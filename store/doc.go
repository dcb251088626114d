// Package store defines the persistence contracts of the engine.
//
// A Store keeps node definitions, compiled templates, runs and states. Every
// lifecycle change goes through one of three atomic primitives:
//
//   - CreateStates inserts a run and a batch of states, or nothing
//   - Claim leases CREATED states to exactly one caller
//   - Transition compare-and-sets the status of one state, optionally through
//     an intermediate status, and inserts the states it spawns in the same
//     unit. Moves outside the lifecycle table fail with ErrInvalidTransition.
//
// ListExpired feeds the watchdog with QUEUED states whose lease ran out. The
// watchdog settles them with Transition, so a state is reclaimed at most once.
//
// # Backends
//
//   - memory: a single mutex over in-process maps
//   - sqlite: serialized transactions over one connection (mattn/go-sqlite3)
//   - postgres: FOR UPDATE SKIP LOCKED claims (jackc/pgx/v5)
//   - redis: a Lua claim script and WATCH transactions (redis/go-redis/v9),
//     single node only
//
// The storetest package holds the conformance suite every backend runs.
package store
