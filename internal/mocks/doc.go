// Package mocks provides test doubles for the store and classifier
// interfaces. The store fakes are functional in-memory implementations that
// honor the claim protocol's mutual exclusion, so worker tests exercise the
// same contention semantics the Postgres stores provide.
package mocks
