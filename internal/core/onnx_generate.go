//go:build !windows

package core

import (
	"context"
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
)

type onnxCausalLM struct{ onnxBase }

// leftPad moves padding to the front so the last position of every row is a real token.
func leftPad(batch *Batch) ([][]int64, [][]int64) {
	ids := make([][]int64, batch.Size())
	mask := make([][]int64, batch.Size())
	for i := range ids {
		var tokens []int64
		for j, m := range batch.AttentionMask[i] {
			if m != 0 {
				tokens = append(tokens, batch.InputIDs[i][j])
			}
		}
		pad := len(batch.InputIDs[i]) - len(tokens)
		ids[i] = make([]int64, 0, len(batch.InputIDs[i]))
		mask[i] = make([]int64, 0, len(batch.InputIDs[i]))
		for j := 0; j < pad; j++ {
			ids[i] = append(ids[i], batch.PadID)
			mask[i] = append(mask[i], 0)
		}
		ids[i] = append(ids[i], tokens...)
		for range tokens {
			mask[i] = append(mask[i], 1)
		}
	}
	return ids, mask
}

// lastTokenLogits returns the logits at the final position of row b of a [B, L, V] tensor.
func lastTokenLogits(data []float32, shape []int64, b int) ([]float32, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected logits of rank 3, got shape %v", shape)
	}
	L, V := int(shape[1]), int(shape[2])
	start := (b*L + L - 1) * V
	return data[start : start+V], nil
}

type greedyState struct {
	config    modelConfig
	padID     int64
	finished  []bool
	generated [][]int64
}

func newGreedyState(config modelConfig, padID int64, size int) *greedyState {
	return &greedyState{
		config:    config,
		padID:     padID,
		finished:  make([]bool, size),
		generated: make([][]int64, size),
	}
}

// step records the next token of row b and returns the token to feed back.
func (s *greedyState) step(b int, next int64) int64 {
	if s.finished[b] {
		return s.padID
	}
	if s.config.isEos(next) {
		s.finished[b] = true
		return next
	}
	s.generated[b] = append(s.generated[b], next)
	return next
}

func (s *greedyState) done() bool {
	for _, f := range s.finished {
		if !f {
			return false
		}
	}
	return true
}

func (s *greedyState) decode(tok Tokenizer) ([]string, error) {
	out := make([]string, len(s.generated))
	for i, ids := range s.generated {
		text, err := tok.Decode(ids, true)
		if err != nil {
			return nil, fmt.Errorf("error decoding output %d: %w", i, err)
		}
		out[i] = text
	}
	return out, nil
}

// Generate runs greedy decoding, re-running the full sequence at each step.
func (m *onnxCausalLM) Generate(ctx context.Context, tok Tokenizer, batch *Batch, opts GenerateOptions) ([]string, error) {
	ids, mask := leftPad(batch)
	state := newGreedyState(m.config, batch.PadID, batch.Size())

	for step := 0; step < opts.MaxNewTokens && !state.done(); step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inputs, cleanup, err := m.graph.textInputs(ids, mask, nil)
		if err != nil {
			return nil, err
		}
		outputs, err := m.graph.run(inputs)
		cleanup()
		if err != nil {
			return nil, err
		}

		data, shape, err := m.graph.floats(outputs, 0)
		if err != nil {
			destroyValues(outputs)
			return nil, err
		}
		for b := range ids {
			row, err := lastTokenLogits(data, shape, b)
			if err != nil {
				destroyValues(outputs)
				return nil, err
			}
			next := state.step(b, argmax32(row))
			ids[b] = append(ids[b], next)
			mask[b] = append(mask[b], 1)
		}
		destroyValues(outputs)
	}

	return state.decode(tok)
}

const (
	encoderBase = "encoder_model"
	decoderBase = "decoder_model"
)

type onnxSeq2Seq struct {
	onnxBase
	decoder *onnxGraph
}

func loadOnnxSeq2Seq(spec ModelSpec, config modelConfig) (Model, error) {
	encPath, err := findOnnxFile(spec.Path, encoderBase, spec.Options)
	if err != nil {
		return nil, err
	}
	decPath, err := findOnnxFile(spec.Path, decoderBase, spec.Options)
	if err != nil {
		return nil, err
	}

	encoder, err := loadOnnxGraph(encPath, spec.Options)
	if err != nil {
		return nil, err
	}
	decoder, err := loadOnnxGraph(decPath, spec.Options)
	if err != nil {
		encoder.destroy()
		return nil, err
	}
	if decoder.outputIndex("logits") < 0 {
		encoder.destroy()
		decoder.destroy()
		return nil, fmt.Errorf("decoder graph %s has no logits output", decPath)
	}

	slog.Info("loaded onnx seq2seq model", "encoder", encPath, "decoder", decPath)
	return &onnxSeq2Seq{
		onnxBase: onnxBase{class: spec.Class, config: config, graph: encoder},
		decoder:  decoder,
	}, nil
}

func (m *onnxSeq2Seq) Release() {
	m.graph.destroy()
	m.decoder.destroy()
}

func (m *onnxSeq2Seq) Generate(ctx context.Context, tok Tokenizer, batch *Batch, opts GenerateOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encInputs, cleanup, err := m.graph.textInputs(batch.InputIDs, batch.AttentionMask, nil)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	encOutputs, err := m.graph.run(encInputs)
	if err != nil {
		return nil, fmt.Errorf("error running encoder: %w", err)
	}
	defer destroyValues(encOutputs)

	hidden := encOutputs[0]
	if idx := m.graph.outputIndex("last_hidden_state"); idx >= 0 {
		hidden = encOutputs[idx]
	}
	encMask, ok := encInputs["attention_mask"]
	if !ok {
		t, err := int64Tensor(batch.AttentionMask)
		if err != nil {
			return nil, err
		}
		defer t.Destroy()
		encMask = t
	}

	start := m.config.decoderStartTokenId()
	dec := make([][]int64, batch.Size())
	for i := range dec {
		dec[i] = []int64{start}
	}
	state := newGreedyState(m.config, batch.PadID, batch.Size())
	logitsIdx := m.decoder.outputIndex("logits")

	for step := 0; step < opts.MaxNewTokens && !state.done(); step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		decIds, err := int64Tensor(dec)
		if err != nil {
			return nil, err
		}
		outputs, err := m.decoder.run(map[string]ort.Value{
			"input_ids":              decIds,
			"encoder_hidden_states":  hidden,
			"encoder_attention_mask": encMask,
		})
		decIds.Destroy()
		if err != nil {
			return nil, fmt.Errorf("error running decoder: %w", err)
		}

		data, shape, err := m.decoder.floats(outputs, logitsIdx)
		if err != nil {
			destroyValues(outputs)
			return nil, err
		}
		for b := range dec {
			row, err := lastTokenLogits(data, shape, b)
			if err != nil {
				destroyValues(outputs)
				return nil, err
			}
			dec[b] = append(dec[b], state.step(b, argmax32(row)))
		}
		destroyValues(outputs)
	}

	return state.decode(tok)
}
