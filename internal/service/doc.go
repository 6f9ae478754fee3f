// Package service implements the application's use cases over the store
// interfaces: creating and enqueueing analysis runs, reporting their
// progress, and cancelling them. Handlers call services; services call
// stores; stores talk to Postgres.
package service
