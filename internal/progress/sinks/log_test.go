package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/review-harvester/internal/progress"
)

func TestLogSinkMessages(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	ts := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", TS: ts, Stage: progress.StageTaskAccepted},
		{TaskID: "t1", TS: ts, Stage: progress.StageTaskQueued},
		{TaskID: "t1", TS: ts, Stage: progress.StageTaskStarted, Attempt: 1},
		{TaskID: "t1", TS: ts, Stage: progress.StageTaskFinish, Attempt: 1, Dur: 1500 * time.Millisecond, Result: map[string]int{"reviews": 3}},
		{TaskID: "t2", TS: ts, Stage: progress.StageTaskFailed, Attempt: 1, Note: "browser already closed"},
	}))

	entries := logs.All()
	require.Len(t, entries, 5)
	require.Equal(t, "Job [t1] added to the queue", entries[0].Message)
	require.Equal(t, "Job [t1] waiting for process", entries[1].Message)
	require.Equal(t, "Job [t1] starting to be processed", entries[2].Message)
	require.Equal(t, "Job [t1] process finished in [1.5s]", entries[3].Message)
	require.Equal(t, "Job terminated with some errors. browser already closed", entries[4].Message)
	require.Equal(t, zap.ErrorLevel, entries[4].Level)
	require.Equal(t, "t2", entries[4].ContextMap()["task_id"])
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()

	require.Equal(t, "250ms", humanDuration(250*time.Millisecond+300*time.Microsecond))
	require.Equal(t, "2.35s", humanDuration(2346*time.Millisecond))
	require.Equal(t, "1m31s", humanDuration(90*time.Second+700*time.Millisecond))
}
