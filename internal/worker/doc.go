// Package worker contains the analysis engine's processing core: the worker
// loop that claims and classifies work items, the closed failure taxonomy
// with its retry dispositions, the per-run rate limiter, and the stale item
// sweeper that recovers from crashed workers.
package worker
