package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/progress"
)

// LogSink renders the lifecycle stream as operator-facing log lines.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.log(evt)
	}
	return nil
}

func (s *LogSink) log(evt progress.Event) {
	fields := []zap.Field{zap.String("stage", string(evt.Stage))}
	if evt.TaskID != "" {
		fields = append(fields, zap.String("task_id", evt.TaskID))
	}
	if evt.Lease != "" {
		fields = append(fields, zap.String("lease", evt.Lease))
	}
	if evt.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", evt.Attempt))
	}
	switch evt.Stage {
	case progress.StageTaskAccepted:
		s.logger.Info("Job ["+evt.TaskID+"] added to the queue", fields...)
	case progress.StageTaskQueued:
		s.logger.Info("Job ["+evt.TaskID+"] waiting for process", fields...)
	case progress.StageTaskStarted:
		s.logger.Info("Job ["+evt.TaskID+"] starting to be processed", fields...)
	case progress.StageTaskFinish:
		fields = append(fields, zap.Duration("elapsed", evt.Dur), zap.Any("result", evt.Result))
		s.logger.Info("Job ["+evt.TaskID+"] process finished in ["+humanDuration(evt.Dur)+"]", fields...)
	case progress.StageTaskRetry:
		fields = append(fields, zap.String("error", evt.Note))
		s.logger.Warn("Job ["+evt.TaskID+"] failed and will be retried", fields...)
	case progress.StageTaskFailed:
		fields = append(fields, zap.String("error", evt.Note), zap.Duration("elapsed", evt.Dur))
		s.logger.Error("Job terminated with some errors. "+evt.Note, fields...)
	case progress.StageEmpty:
		s.logger.Debug("queue is empty", fields...)
	case progress.StageDrain:
		s.logger.Info("all jobs processed", fields...)
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}
