// Package postgres provides PostgreSQL implementations of the store
// interfaces. The claim protocol lives here: a set-based conditional UPDATE
// over FOR UPDATE SKIP LOCKED gives at-most-one claimant per item without
// any lock manager, and every item mutation adjusts the owning run's
// aggregate counters inside the same transaction.
package postgres
