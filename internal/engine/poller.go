package engine

import (
	"context"
	"log"
	"time"

	"github.com/throw-if-null/retouch/internal/api"
)

// pollLoop drives the recurring status checks for submitted tasks.
func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.pollCycle()
		}
	}
}

// pollCycle fans out one status check per submitted task, bounded by the
// poll concurrency. A task already being checked from a previous cycle is
// skipped, so a slow download never causes the same task to be polled
// twice concurrently and never delays unrelated tasks.
func (o *Orchestrator) pollCycle() {
	tasks, err := o.store.List()
	if err != nil {
		log.Printf("poll: list tasks failed: %v", err)
		return
	}

	for _, t := range tasks {
		if t.Status != api.TaskSubmitted || t.RemoteJobID == "" {
			continue
		}
		if !o.acquire(t.ID) {
			continue
		}
		o.wg.Add(1)
		go func(taskID string) {
			defer o.wg.Done()
			defer o.release(taskID)

			select {
			case o.sem <- struct{}{}:
			case <-o.ctx.Done():
				return
			}
			defer func() { <-o.sem }()

			o.checkTask(o.ctx, taskID)
		}(t.ID)
	}
}

// checkTask asks the remote service about one submitted task and applies
// the outcome. A transport failure leaves the task untouched for the next
// cycle; a remote-reported Error phase is terminal.
func (o *Orchestrator) checkTask(ctx context.Context, taskID string) {
	t, err := o.store.Get(taskID)
	if err != nil {
		log.Printf("poll %s: load failed: %v", taskID, err)
		return
	}
	if t.Status != api.TaskSubmitted || t.RemoteJobID == "" {
		return
	}

	if o.expired(t) {
		o.failTask(taskID, "timed out waiting for remote result")
		return
	}

	status, err := o.jobs.FetchStatus(ctx, t.RemoteJobID)
	if err != nil {
		// could not learn status; retry next cycle
		log.Printf("poll %s: %v", taskID, err)
		return
	}

	switch {
	case status.Status == api.RemoteError:
		msg := status.Error
		if msg == "" {
			msg = "processing failed"
		}
		o.failTask(taskID, msg)
	case status.Status == api.RemoteReady:
		if status.Result == nil || status.Result.Sample == "" {
			o.failTask(taskID, "remote job ready but no result url")
			return
		}
		o.complete(ctx, taskID, status.Result.Sample)
	default:
		// still in flight ("Request Accepted" and friends)
	}
}

// expired reports whether t has been submitted longer than the configured
// maximum task age. Always false when no limit is set.
func (o *Orchestrator) expired(t *api.Task) bool {
	if o.opts.MaxTaskAge <= 0 {
		return false
	}
	created, err := time.Parse(time.RFC3339Nano, t.CreatedAt)
	if err != nil {
		return false
	}
	return time.Since(created) > o.opts.MaxTaskAge
}

func (o *Orchestrator) acquire(taskID string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[taskID]; busy {
		return false
	}
	o.inflight[taskID] = struct{}{}
	return true
}

func (o *Orchestrator) release(taskID string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, taskID)
}
