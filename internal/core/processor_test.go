package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/geniusrise/geniusrise-text/internal/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskProcessor(t *testing.T) {
	input, output := localInput(t), t.TempDir()
	writeRecords(t, input, "data.jsonl", textRecords(3))

	store := NewMemoryStateStore()
	resolver := newTestResolver(t, &fakeModel{}, nil)
	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(NewFineTuner(resolver, nil, nil, store), NewBulkRunner(resolver, nil, store), queue, queue)

	cfg := testConfig(LanguageModel, input, output)
	cfg.RunId = ""
	config, err := json.Marshal(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, queue.PublishBulkTask(ctx, messaging.BulkTaskPayload{RunTaskPayload: messaging.RunTaskPayload{RunId: "bulk-1", Config: config}}))
	require.NoError(t, queue.PublishFinetuneTask(ctx, messaging.FinetuneTaskPayload{RunTaskPayload: messaging.RunTaskPayload{RunId: "ft-1", Config: config}}))
	queue.PublishRaw(messaging.BulkQueue, []byte("not json"))
	queue.PublishRaw("unknown_queue", []byte(`{"run_id":"x","config":{}}`))

	for i := 0; i < 4; i++ {
		proc.ProcessTask(<-queue.Tasks())
	}

	assert.Equal(t, []string{"ack", "reject"}, queue.Outcomes(messaging.BulkQueue))
	// fine-tune config has no training hyperparameters
	assert.Equal(t, []string{"nack"}, queue.Outcomes(messaging.FinetuneQueue))
	assert.Equal(t, []string{"reject"}, queue.Outcomes("unknown_queue"))

	bulk, ok := store.Run("bulk-1")
	require.True(t, ok)
	assert.True(t, bulk.State.Success)
	assert.Len(t, bulk.OutputFiles, 1)

	ft, ok := store.Run("ft-1")
	require.True(t, ok)
	assert.False(t, ft.State.Success)

	proc.Stop()
}

func TestTaskProcessorStartStop(t *testing.T) {
	resolver := newTestResolver(t, &fakeModel{}, nil)
	store := NewMemoryStateStore()
	queue := messaging.NewInMemoryQueue()
	proc := NewTaskProcessor(NewFineTuner(resolver, nil, nil, store), NewBulkRunner(resolver, nil, store), queue, queue)

	done := make(chan struct{})
	go func() {
		proc.Start()
		close(done)
	}()

	queue.PublishRaw(messaging.BulkQueue, []byte("not json"))
	require.Eventually(t, func() bool {
		return len(queue.Outcomes(messaging.BulkQueue)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	proc.Stop()
	proc.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}
