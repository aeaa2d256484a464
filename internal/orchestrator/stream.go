package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/types"
)

// Task is a unit of work run on a streaming worker. Its return value becomes
// the result frame.
type Task func(ctx context.Context, progress events.ProgressFunc) (any, error)

// Stream creates a job and runs it on a dedicated background goroutine.
// The returned channel carries job_created, progress frames, then result or
// error, then done. Validation failures are returned directly and no
// channel is created.
//
// The worker is detached from ctx cancellation: a client that disconnects
// abandons the channel, and the job still runs to completion.
func (o *Orchestrator) Stream(ctx context.Context, capability string, input map[string]any, traceID string) (*events.Channel, error) {
	job, err := o.CreateJob(ctx, capability, input, traceID)
	if err != nil {
		return nil, err
	}
	created := ViewJob(job)
	ch := StartWorker(ctx, o.queueSize, &created, func(ctx context.Context, progress events.ProgressFunc) (any, error) {
		finished, err := o.RunJob(ctx, job.ID, progress)
		if err != nil {
			return nil, err
		}
		if finished.Status != types.JobSucceeded {
			return nil, jobError(finished)
		}
		return ViewJob(finished), nil
	})
	return ch, nil
}

// StartWorker runs task on a new goroutine and relays its lifecycle through
// a bounded channel. When created is non-nil it is queued first as the
// job_created frame.
func StartWorker(ctx context.Context, queueSize int, created any, task Task) *events.Channel {
	ch := events.NewChannel(queueSize)
	if created != nil {
		ch.Publish(events.Event{Type: events.EventTypeJobCreated, Payload: created})
	}
	go runWorker(context.WithoutCancel(ctx), ch, task)
	return ch
}

func runWorker(ctx context.Context, ch *events.Channel, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("orchestrator.stream.panic", "panic", r)
			ch.Finish(nil, ErrorPayload(fmt.Errorf("stream worker panicked: %v", r)))
		}
	}()

	result, err := task(ctx, ch.ProgressFunc())
	if err != nil {
		ch.Finish(nil, ErrorPayload(err))
		return
	}
	ch.Finish(result, nil)
}

// ErrorPayload converts an error into the body of an error frame
func ErrorPayload(err error) *events.ErrorPayload {
	se := ai.Internal(err)
	return &events.ErrorPayload{Code: se.Code, Message: se.Message, HTTPStatus: se.HTTPStatus}
}
