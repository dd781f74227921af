package queue

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultPriority is assigned to tasks submitted without an explicit priority.
const DefaultPriority = 1

// Order selects which end of a priority band a lease draws from.
type Order int

// Supported lease orders.
const (
	OrderFIFO Order = iota
	OrderLIFO
)

// ParseOrder converts a configuration value ("fifo" or "lifo") into an Order.
func ParseOrder(raw string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "fifo":
		return OrderFIFO, nil
	case "lifo":
		return OrderLIFO, nil
	default:
		return OrderFIFO, fmt.Errorf("unknown queue order %q", raw)
	}
}

func (o Order) String() string {
	if o == OrderLIFO {
		return "lifo"
	}
	return "fifo"
}

// Task is one persisted unit of work.
type Task struct {
	// ID is the unique task identifier (UUIDv7).
	ID string
	// Payload is the encoded Payload handed to the handler.
	Payload []byte
	// Priority orders tasks; higher values are leased first.
	Priority int
	// LockToken is empty while the task is eligible for leasing.
	LockToken string
	// Attempts counts failed executions recorded so far.
	Attempts int
	// Seq is the store-assigned insertion sequence.
	Seq int64
	// CreatedAt records when the task was submitted.
	CreatedAt time.Time
	// LeasedAt records when the current lease was taken or last renewed.
	LeasedAt time.Time
}

// Leased reports whether the task is currently held by a lease.
func (t Task) Leased() bool {
	return t.LockToken != ""
}

// SortTasks orders tasks the way LeaseBatch selects them: priority descending,
// then insertion sequence ascending for FIFO or descending for LIFO.
func SortTasks(tasks []Task, order Order) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if order == OrderLIFO {
			return tasks[i].Seq > tasks[j].Seq
		}
		return tasks[i].Seq < tasks[j].Seq
	})
}
