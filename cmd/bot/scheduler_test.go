package main

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func schedulerTestBot() *Bot {
	return &Bot{
		logger: log.New(io.Discard, "", 0),
		stop:   make(chan struct{}),
	}
}

func TestRunJob_ImmediateRunsBeforeFirstTick(t *testing.T) {
	b := schedulerTestBot()
	var runs atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.runJob(ctx, cycleJob{
			name:      "test",
			interval:  time.Hour,
			immediate: true,
			run:       func(context.Context) { runs.Add(1) },
		})
	}()

	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond, "immediate job should run without waiting for a tick")
	cancel()
	<-done
	assert.Equal(t, int32(1), runs.Load(), "hour-long interval must not have ticked")
}

func TestRunJob_TicksUntilCanceled(t *testing.T) {
	b := schedulerTestBot()
	var runs atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.runJob(ctx, cycleJob{
			name:     "test",
			interval: 5 * time.Millisecond,
			run:      func(context.Context) { runs.Add(1) },
		})
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRunJobs_StopChannelEndsAllJobs(t *testing.T) {
	b := schedulerTestBot()
	var runs atomic.Int32

	jobs := []cycleJob{
		{name: "a", interval: 5 * time.Millisecond, run: func(context.Context) { runs.Add(1) }},
		{name: "b", interval: 5 * time.Millisecond, run: func(context.Context) { runs.Add(1) }},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.runJobs(context.Background(), jobs)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		time.Second, time.Millisecond)
	close(b.stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runJobs did not return after stop")
	}
}
