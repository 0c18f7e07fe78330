package messaging

import (
	"context"
	"encoding/json"
	"time"
)

const (
	FinetuneQueue   = "finetune_queue"
	BulkQueue       = "bulk_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

var Queues = []string{FinetuneQueue, BulkQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// RunTaskPayload carries the run id and the JSON encoded run configuration.
type RunTaskPayload struct {
	RunId  string          `json:"run_id"`
	Config json.RawMessage `json:"config"`
}

type FinetuneTaskPayload struct {
	RunTaskPayload
}

type BulkTaskPayload struct {
	RunTaskPayload
}

type Publisher interface {
	PublishFinetuneTask(ctx context.Context, payload FinetuneTaskPayload) error

	PublishBulkTask(ctx context.Context, payload BulkTaskPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
