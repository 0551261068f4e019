/*
Package observability provides Prometheus metrics for the keystone engine.

Metrics cover the cache layer that served each load, commit outcomes and durations,
rollbacks and the results of asynchronous writes. A nil *Metrics is valid and records
nothing, so the session layer can run without instrumentation.
*/
package observability
