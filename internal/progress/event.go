package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the queue lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageTaskQueued   Stage = "task_queued"
	StageTaskAccepted Stage = "task_accepted"
	StageTaskStarted  Stage = "task_started"
	StageTaskFinish   Stage = "task_finish"
	StageTaskFailed   Stage = "task_failed"
	StageTaskRetry    Stage = "task_retry"
	StageEmpty        Stage = "empty"
	StageDrain        Stage = "drain"
)

// Event captures a single queue lifecycle notification.
type Event struct {
	// TaskID identifies the task for task-scoped stages.
	TaskID string
	// Lease is the lease token the task was processed under, when known.
	Lease string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Attempt is the 1-based execution attempt for started, retry, finish and failed events.
	Attempt int
	// Result carries the handler result on task_finish.
	Result any
	// Dur captures handler latency for finish and failed events.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// TaskScoped reports whether the stage refers to a single task.
func (s Stage) TaskScoped() bool {
	switch s {
	case StageEmpty, StageDrain:
		return false
	default:
		return true
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskQueued, StageTaskAccepted, StageTaskStarted, StageTaskFinish, StageTaskRetry:
	case StageTaskFailed:
		if e.Note == "" {
			return errors.New("task failed requires an error note")
		}
	case StageEmpty, StageDrain:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Stage.TaskScoped() && e.TaskID == "" {
		return fmt.Errorf("stage %s requires task id", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Failed reports whether the event closes a task unsuccessfully.
func (e Event) Failed() bool {
	return e.Stage == StageTaskFailed
}
