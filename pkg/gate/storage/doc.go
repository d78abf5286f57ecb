// Package storage provides durable gate.Store implementations.
//
// The SQLite-backed store persists committed spend events and live
// reservations across restarts, which the in-memory reference store
// does not. It honors the same contract: callers supply the clock,
// windows are inclusive sliding intervals, and admission is atomic
// (one transaction per check).
//
// Committed rows accumulate in SQLite until deleted; pair the store
// with a RetentionScheduler to bound database growth. Retention must
// be configured to outlast every budget window in use.
package storage
