package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelsec/kestrel/api/schemas"
)

// schedulerTick is how often due workflows are checked. Schedule resolution is
// therefore one second, well below any realistic interval.
const schedulerTick = time.Second

// Start launches the background scheduler. Due scheduled and continuous
// workflows are dispatched concurrently, each still bounded by the global run
// ceiling. Stop waits for in-flight runs.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(schedulerTick)
		defer ticker.Stop()

		o.logger.Info("Scheduler started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				o.dispatchDue(ctx)
			}
		}
	}()
}

// Stop shuts the scheduler down and waits for in-flight runs to finish.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
	o.logger.Info("Scheduler stopped")
}

// dispatchDue launches a run for every active workflow whose next-run time has
// passed, pushing the due time forward immediately so a slow run is not
// double-dispatched on the next tick.
func (o *Orchestrator) dispatchDue(ctx context.Context) {
	now := time.Now().UTC()

	o.mu.Lock()
	var due []schemas.Workflow
	for _, w := range o.workflows {
		if w.State != schemas.WorkflowActive {
			continue
		}
		if w.Type != schemas.WorkflowScheduled && w.Type != schemas.WorkflowContinuous {
			continue
		}
		if w.NextRunDue == nil || w.NextRunDue.After(now) {
			continue
		}
		next := nextRun(w.Schedule, now)
		w.NextRunDue = &next
		due = append(due, *w)
	}
	o.mu.Unlock()

	for _, w := range due {
		w := w
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if _, err := o.runOne(ctx, w, w.Objective); err != nil {
				o.logger.Warn("Scheduled run failed",
					zap.String("workflow_id", w.ID),
					zap.String("name", w.Name),
					zap.Error(err))
			}
		}()
	}
}
