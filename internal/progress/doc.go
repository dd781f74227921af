// Package progress carries the queue lifecycle event stream. Emitters never
// block: the Hub buffers events, batches them on a background goroutine and
// fans them out to sinks such as structured logs and Prometheus collectors.
package progress
