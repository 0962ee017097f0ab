// Package sshpool keeps a bounded pool of persistent SSH connections keyed by
// identity ("user@host[:port]").
//
// # Ownership
//
// A [Pool] and all of its [Connection] values belong to one reactor loop.
// Every exported method except the event and state readers must be called on
// that loop. Blocking work (name resolution, dialing, closing transports) runs
// in goroutines that post their results back.
//
// # Connection Lifecycle
//
//  1. Lookup creates the connection on first reference and starts it.
//  2. Resolution asks for A records, then AAAA when the name has no IPv4
//     data. Other failures mark the connection dead and are retried after a
//     random 1-10s pause, forever.
//  3. Admission: at most MaxConnections connections may be dialing or
//     connected. When the pool is full it destroys one random free
//     connection (one with no bound sessions). If none is free the attempt
//     is deferred and re-checked on a random 1-10s timer.
//  4. Connected: queued runs are replayed in submission order on later
//     ticks. A queued run from a dead session poisons the fresh connection,
//     which is closed and retried on the next health tick.
//  5. Failure: before a transport exists, every queued run gets an error
//     callback; afterwards, every bound session gets a connection error.
//  6. A per-connection health timer (5-15s jitter) restarts failed
//     connections and destroys ones that are free and idle past
//     ExpireInterval.
//
// # Observability
//
// Each connection's state transitions (last 50) and events (last 100) are
// kept for the API, and [Pool.OnEvent] lets the audit trail subscribe.
package sshpool
