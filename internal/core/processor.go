package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/geniusrise/geniusrise-text/internal/messaging"
)

// TaskProcessor executes fine-tune and bulk runs received from the queue.
type TaskProcessor struct {
	finetuner *FineTuner
	bulk      *BulkRunner
	publisher messaging.Publisher
	reciever  messaging.Reciever

	// busy is held while a task runs, so Stop waits for it before closing
	// the connections.
	busy    sync.Mutex
	stop    chan struct{}
	stopped sync.Once
}

func NewTaskProcessor(finetuner *FineTuner, bulk *BulkRunner, publisher messaging.Publisher, reciever messaging.Reciever) *TaskProcessor {
	return &TaskProcessor{
		finetuner: finetuner,
		bulk:      bulk,
		publisher: publisher,
		reciever:  reciever,
		stop:      make(chan struct{}),
	}
}

func (proc *TaskProcessor) Start() {
	slog.Info("starting task processor")

	tasks := proc.reciever.Tasks()
	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				return
			}
			if !proc.runTask(task) {
				return
			}
		case <-proc.stop:
			return
		}
	}
}

// runTask processes task unless the processor is stopping. Unacked tasks are
// redelivered once the receiver is closed.
func (proc *TaskProcessor) runTask(task messaging.Task) bool {
	proc.busy.Lock()
	defer proc.busy.Unlock()

	select {
	case <-proc.stop:
		return false
	default:
	}
	proc.ProcessTask(task)
	return true
}

// Stop waits for the running task, if any, and closes the queue connections.
func (proc *TaskProcessor) Stop() {
	proc.stopped.Do(func() {
		slog.Info("stopping task processor")

		close(proc.stop)

		proc.busy.Lock()
		defer proc.busy.Unlock()
		proc.publisher.Close()
		proc.reciever.Close()
	})
}

func decodeRunConfig(payload messaging.RunTaskPayload) (RunConfig, error) {
	var cfg RunConfig
	if err := json.Unmarshal(payload.Config, &cfg); err != nil {
		return cfg, fmt.Errorf("error decoding run config: %w", err)
	}
	if payload.RunId != "" {
		cfg.RunId = payload.RunId
	}
	return cfg, nil
}

func (proc *TaskProcessor) ProcessTask(task messaging.Task) {
	ctx := context.Background()

	var payload messaging.RunTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("error unmarshalling task", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil { // Discard malformed message
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}
	cfg, err := decodeRunConfig(payload)
	if err != nil {
		slog.Error("error unmarshalling task", "queue", task.Type(), "run_id", payload.RunId, "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	switch task.Type() {
	case messaging.FinetuneQueue:
		_, err = proc.finetuner.Run(ctx, cfg)

	case messaging.BulkQueue:
		_, err = proc.bulk.Run(ctx, cfg)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil { // reject unknown message type
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "run_id", cfg.RunId, "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type(), "run_id", cfg.RunId)
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}
