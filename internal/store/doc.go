// Package store defines the persistence interfaces for runs, run items, and
// analysis results, along with the shared error vocabulary and transaction
// helper used by every implementation.
package store
