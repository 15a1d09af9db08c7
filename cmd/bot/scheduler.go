package main

import (
	"context"
	"sync"
	"time"
)

// cycleJob is one scheduled loop: a name for logging, a tick interval, and
// the work. Immediate jobs run once at startup before their first tick.
type cycleJob struct {
	name      string
	interval  time.Duration
	immediate bool
	run       func(context.Context)
}

// runJobs drives each job on its own ticker until ctx is canceled or the
// stop channel closes, then waits for in-flight runs to finish.
func (b *Bot) runJobs(ctx context.Context, jobs []cycleJob) {
	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runJob(ctx, job)
		}()
	}
	wg.Wait()
}

func (b *Bot) runJob(ctx context.Context, job cycleJob) {
	b.logger.Printf("Scheduling %s every %s", job.name, job.interval)
	if job.immediate {
		job.run(ctx)
	}

	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			job.run(ctx)
		}
	}
}
