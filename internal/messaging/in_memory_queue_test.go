package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	config := json.RawMessage(`{"task":"summarization","model_name":"t5-small"}`)
	require.NoError(t, q.PublishFinetuneTask(ctx, FinetuneTaskPayload{RunTaskPayload{RunId: "run-1", Config: config}}))
	require.NoError(t, q.PublishBulkTask(ctx, BulkTaskPayload{RunTaskPayload{RunId: "run-2", Config: config}}))

	first := <-q.Tasks()
	assert.Equal(t, FinetuneQueue, first.Type())
	var finetune FinetuneTaskPayload
	require.NoError(t, json.Unmarshal(first.Payload(), &finetune))
	assert.Equal(t, "run-1", finetune.RunId)
	assert.JSONEq(t, string(config), string(finetune.Config))
	require.NoError(t, first.Ack())

	second := <-q.Tasks()
	assert.Equal(t, BulkQueue, second.Type())
	var bulk BulkTaskPayload
	require.NoError(t, json.Unmarshal(second.Payload(), &bulk))
	assert.Equal(t, "run-2", bulk.RunId)
	require.NoError(t, second.Nack())

	assert.Equal(t, []string{"ack"}, q.Outcomes(FinetuneQueue))
	assert.Equal(t, []string{"nack"}, q.Outcomes(BulkQueue))

	q.Close()
	_, ok := <-q.Tasks()
	assert.False(t, ok)
}
