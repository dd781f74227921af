package memory

import (
	"testing"

	"github.com/JakeFAU/review-harvester/internal/queue"
	"github.com/JakeFAU/review-harvester/internal/queue/queuetest"
)

func TestTaskStoreConformance(t *testing.T) {
	t.Parallel()

	queuetest.Run(t, func(_ *testing.T, ids queue.IDGenerator, clock queue.Clock) queue.Store {
		return NewTaskStore(ids, clock)
	})
}
