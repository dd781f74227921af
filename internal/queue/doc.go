// Package queue implements the durable, lease-based task queue. It defines the
// Task model and the Store contract that persistence backends satisfy, and the
// Engine that polls a Store, hands leased tasks to a Handler one at a time,
// applies retry policy, and reports lifecycle events.
package queue
