// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that crawl stages use to report progress. It batches events on a
// background goroutine and fans them out to pluggable sinks such as structured
// logs, Prometheus metrics, or a terminal progress bar.
package progress
