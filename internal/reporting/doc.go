// Package reporting fans finalised run reports out to pluggable sinks such as
// the report store, Prometheus, structured logs and Pub/Sub. Reports are
// buffered and flushed on a background goroutine so a slow sink never holds up
// the scheduler.
package reporting
