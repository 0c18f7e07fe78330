package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEmbeddingServer(t *testing.T, indexes ...int) *OpenAIModel {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /embeddings", func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]any, 0, len(indexes))
		for _, i := range indexes {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(i), 0.5},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "embedder",
			"data":   data,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewOpenAIModel(srv.URL+"/", "test-key", "embedder")
}

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	model := newEmbeddingServer(t, 1, 0)

	out, err := model.Embed(context.Background(), &Batch{Texts: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0.5}, {1, 0.5}}, out)
}

func TestOpenAIEmbedInvalidIndex(t *testing.T) {
	for name, indexes := range map[string][]int{
		"out of range": {0, 5},
		"negative":     {-1, 0},
		"duplicate":    {0, 0},
	} {
		t.Run(name, func(t *testing.T) {
			model := newEmbeddingServer(t, indexes...)

			var err error
			require.NotPanics(t, func() {
				_, err = model.Embed(context.Background(), &Batch{Texts: []string{"a", "b"}})
			})
			assert.ErrorContains(t, err, "invalid embedding index")
		})
	}
}
