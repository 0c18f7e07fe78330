package messaging

import (
	"context"
	"encoding/json"
	"sync"
)

type inMemoryTask struct {
	queue    string
	payload  []byte
	queueRef *InMemoryQueue
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	t.queueRef.record(t.queue, "ack")
	return nil
}

func (t *inMemoryTask) Nack() error {
	t.queueRef.record(t.queue, "nack")
	return nil
}

func (t *inMemoryTask) Reject() error {
	t.queueRef.record(t.queue, "reject")
	return nil
}

// InMemoryQueue is both Publisher and Reciever, for tests and single process deployments.
type InMemoryQueue struct {
	mu      sync.Mutex
	tasks   chan Task
	results map[string][]string
	closer  sync.Once
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:   make(chan Task, 100),
		results: map[string][]string{},
	}
}

func (q *InMemoryQueue) record(queue, outcome string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[queue] = append(q.results[queue], outcome)
}

// Outcomes returns the ack, nack or reject outcome of each finished task on a queue.
func (q *InMemoryQueue) Outcomes(queue string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.results[queue]...)
}

func (q *InMemoryQueue) publishTaskInternal(queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	q.tasks <- &inMemoryTask{queue: queue, payload: data, queueRef: q}

	return nil
}

func (q *InMemoryQueue) PublishFinetuneTask(ctx context.Context, payload FinetuneTaskPayload) error {
	return q.publishTaskInternal(FinetuneQueue, payload)
}

func (q *InMemoryQueue) PublishBulkTask(ctx context.Context, payload BulkTaskPayload) error {
	return q.publishTaskInternal(BulkQueue, payload)
}

// PublishRaw enqueues an arbitrary message, used to exercise malformed payloads.
func (q *InMemoryQueue) PublishRaw(queue string, data []byte) {
	q.tasks <- &inMemoryTask{queue: queue, payload: data, queueRef: q}
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Close() {
	q.closer.Do(func() { close(q.tasks) })
}
