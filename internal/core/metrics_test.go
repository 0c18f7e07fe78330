package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compute(t *testing.T, kind MetricsKind, tok Tokenizer, predictions, labels any) map[string]float64 {
	t.Helper()
	pred, err := NewEvalPrediction(predictions, labels)
	require.NoError(t, err)
	computer, err := NewMetricsComputer(kind, tok)
	require.NoError(t, err)
	metrics, err := computer.Compute(*pred)
	require.NoError(t, err)
	return metrics
}

func TestClassificationMetrics(t *testing.T) {
	metrics := compute(t, ClassificationMetrics, nil, [][]float64{{0.6, 0.4}, {0.4, 0.6}}, [][]int{{0, 1}, {1, 0}})
	for _, key := range []string{"accuracy", "precision", "recall", "f1"} {
		require.Contains(t, metrics, key)
		assert.GreaterOrEqual(t, metrics[key], 0.0)
		assert.LessOrEqual(t, metrics[key], 1.0)
	}
	assert.Equal(t, 0.0, metrics["accuracy"])

	metrics = compute(t, ClassificationMetrics, nil, [][]float64{{0.2, 0.8}, {0.9, 0.1}, {0.3, 0.7}}, []int{1, 0, 0})
	assert.InDelta(t, 2.0/3, metrics["accuracy"], 1e-9)
	assert.InDelta(t, 0.5, metrics["precision"], 1e-9)
	assert.InDelta(t, 1.0, metrics["recall"], 1e-9)
	assert.InDelta(t, 2.0/3, metrics["f1"], 1e-9)
}

func TestClassificationMetricsNoPositives(t *testing.T) {
	metrics := compute(t, ClassificationMetrics, nil, []int{0, 0}, []int{0, 0})
	assert.Equal(t, 1.0, metrics["accuracy"])
	assert.Equal(t, 0.0, metrics["precision"])
	assert.Equal(t, 0.0, metrics["f1"])
}

func TestEvalPredictionTuple(t *testing.T) {
	var pred EvalPrediction
	data := `{"predictions": {"tuple": [[[0.1, 0.9], [0.8, 0.2]], [[1, 2], [3, 4]]]}, "label_ids": [1, 0]}`
	require.NoError(t, json.Unmarshal([]byte(data), &pred))
	assert.Equal(t, []int{2, 2}, pred.Predictions.Shape)

	computer, err := NewMetricsComputer(ClassificationMetrics, nil)
	require.NoError(t, err)
	metrics, err := computer.Compute(pred)
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics["accuracy"])
}

func TestTensorErrors(t *testing.T) {
	_, err := NewTensor([]any{[]any{1.0, 2.0}, []any{1.0}})
	assert.Error(t, err)

	_, err = NewTensor(map[string]any{"tuple": []any{}})
	assert.Error(t, err)

	_, err = NewTensor("text")
	assert.Error(t, err)
}

func TestGenerationMetrics(t *testing.T) {
	tok := newVocabTokenizer()
	_, err := tok.Encode([]string{"one two three four five six"}, EncodeOptions{})
	require.NoError(t, err)

	metrics := compute(t, GenerationMetrics, tok, [][]int{{1, 2, 3, 4, 5}}, [][]int{{1, 2, 3, 4, 5}})
	assert.InDelta(t, 1.0, metrics["bleu"], 1e-9)
	assert.InDelta(t, 0.0, metrics["cer"], 1e-9)

	metrics = compute(t, GenerationMetrics, nil, [][]int{{6, 6, 6, 6}}, [][]int{{1, 2, 3, 4}})
	assert.Less(t, metrics["bleu"], 0.5)
	assert.NotContains(t, metrics, "cer")

	// logits are reduced with argmax, padded labels are ignored
	logits := [][][]float64{{{0, 1, 0}, {0, 0, 1}}}
	metrics = compute(t, GenerationMetrics, nil, logits, [][]int{{1, 2, IgnoreIndex}})
	assert.Greater(t, metrics["bleu"], 0.0)
	assert.LessOrEqual(t, metrics["bleu"], 1.0)
}

func TestBrevityPenalty(t *testing.T) {
	full := corpusBLEU([][]int{{1, 2, 3, 4, 5, 6}}, [][]int{{1, 2, 3, 4, 5, 6}}, 4)
	short := corpusBLEU([][]int{{1, 2, 3}}, [][]int{{1, 2, 3, 4, 5, 6}}, 4)
	assert.Less(t, short, full)
	assert.Equal(t, 0.0, corpusBLEU([][]int{{}}, [][]int{{1}}, 4))
}

func TestTokenMetrics(t *testing.T) {
	metrics := compute(t, TokenMetrics, nil, [][]int{{0, 1, 2, 0}}, [][]int{{0, 1, 0, IgnoreIndex}})
	assert.InDelta(t, 2.0/3, metrics["accuracy"], 1e-9)
	assert.InDelta(t, 0.5, metrics["precision"], 1e-9)
	assert.InDelta(t, 1.0, metrics["recall"], 1e-9)

	_, err := tokenMetrics{}.Compute(EvalPrediction{
		Predictions: Tensor{Shape: []int{1, 1}, Data: []float64{0}},
		Labels:      Tensor{Shape: []int{1, 1}, Data: []float64{IgnoreIndex}},
	})
	assert.Error(t, err)
}

func TestQAMetrics(t *testing.T) {
	tok := newVocabTokenizer()
	_, err := tok.Encode([]string{"paris france london"}, EncodeOptions{})
	require.NoError(t, err)

	metrics := compute(t, QAMetrics, tok, [][]int{{1, 2}, {3, 0}}, [][]int{{1, 2}, {1, IgnoreIndex}})
	assert.InDelta(t, 0.5, metrics["exact_match"], 1e-9)
	assert.InDelta(t, 0.5, metrics["f1"], 1e-9)

	_, err = NewMetricsComputer(QAMetrics, nil)
	assert.Error(t, err)
}

func TestNormalizeAnswer(t *testing.T) {
	assert.Equal(t, []string{"eiffel", "tower"}, normalizeAnswer("The Eiffel Tower!"))
	assert.InDelta(t, 2.0/3, tokenF1([]string{"eiffel", "tower"}, []string{"tower"}), 1e-9)
	assert.Equal(t, 1.0, tokenF1(nil, nil))
}

func TestUnknownMetricsKind(t *testing.T) {
	_, err := NewMetricsComputer("perplexity", nil)
	assert.Error(t, err)

	metrics := compute(t, NoMetrics, nil, []int{1}, []int{1})
	assert.Empty(t, metrics)
}
