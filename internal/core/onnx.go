//go:build !windows

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initOnce sync.Once
	initErr  error
)

func initOnnxRuntime(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// onnxVariants lists the exported file names to try for a graph, by precision.
// The names follow the optimum / transformers.js export conventions.
func onnxVariants(base string, opts LoadOptions) []string {
	switch {
	case opts.QuantizationBits == 4:
		return []string{base + "_q4.onnx", base + "_bnb4.onnx"}
	case opts.QuantizationBits == 8:
		return []string{base + "_quantized.onnx", base + "_int8.onnx", base + "_uint8.onnx"}
	case opts.Precision == Float16:
		return []string{base + "_fp16.onnx"}
	case opts.Precision == BFloat16:
		return []string{base + "_bf16.onnx"}
	default:
		return []string{base + ".onnx"}
	}
}

func findOnnxFile(dir, base string, opts LoadOptions) (string, error) {
	search := func(names []string) string {
		for _, sub := range []string{"", "onnx"} {
			for _, name := range names {
				path := filepath.Join(dir, sub, name)
				if _, err := os.Stat(path); err == nil {
					return path
				}
			}
		}
		return ""
	}

	variants := onnxVariants(base, opts)
	if path := search(variants); path != "" {
		return path, nil
	}
	if path := search([]string{base + ".onnx"}); path != "" {
		slog.Warn("no onnx export for requested precision, using default export", "dir", dir, "variants", variants, "path", path)
		return path, nil
	}
	return "", fmt.Errorf("no %s.onnx found in %s", base, dir)
}

var knownInputs = map[string]struct{}{
	"input_ids":              {},
	"attention_mask":         {},
	"token_type_ids":         {},
	"position_ids":           {},
	"encoder_hidden_states":  {},
	"encoder_attention_mask": {},
}

type onnxGraph struct {
	path        string
	session     *ort.DynamicAdvancedSession
	inputs      []string
	outputs     []string
	outputTypes []ort.TensorElementDataType
}

func loadOnnxGraph(path string, opts LoadOptions) (*onnxGraph, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("error reading onnx graph info from %s: %w", path, err)
	}

	g := &onnxGraph{path: path}
	for _, in := range inputInfo {
		if strings.HasPrefix(in.Name, "past_key_values") {
			return nil, fmt.Errorf("graph %s expects cached key/values, export the model without past", path)
		}
		if _, ok := knownInputs[in.Name]; !ok {
			return nil, fmt.Errorf("graph %s has unsupported input '%s'", path, in.Name)
		}
		g.inputs = append(g.inputs, in.Name)
	}
	for _, out := range outputInfo {
		g.outputs = append(g.outputs, out.Name)
		g.outputTypes = append(g.outputTypes, out.DataType)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer sessionOpts.Destroy()

	if opts.UseAccelerator {
		if err := appendCUDA(sessionOpts, opts.DeviceMap); err != nil {
			slog.Warn("cuda execution provider unavailable, running on cpu", "error", err)
		}
	}

	g.session, err = ort.NewDynamicAdvancedSession(path, g.inputs, g.outputs, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("error creating onnx session for %s: %w", path, err)
	}
	return g, nil
}

func appendCUDA(sessionOpts *ort.SessionOptions, deviceMap string) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()

	if device, ok := strings.CutPrefix(deviceMap, "cuda:"); ok {
		if err := cuda.Update(map[string]string{"device_id": device}); err != nil {
			return err
		}
	}
	return sessionOpts.AppendExecutionProviderCUDA(cuda)
}

func (g *onnxGraph) hasInput(name string) bool {
	for _, in := range g.inputs {
		if in == name {
			return true
		}
	}
	return false
}

func (g *onnxGraph) outputIndex(name string) int {
	for i, out := range g.outputs {
		if out == name {
			return i
		}
	}
	return -1
}

// run executes the graph. Outputs are allocated by the runtime and must be
// destroyed by the caller.
func (g *onnxGraph) run(inputs map[string]ort.Value) ([]ort.Value, error) {
	ordered := make([]ort.Value, len(g.inputs))
	for i, name := range g.inputs {
		v, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("no value for graph input '%s'", name)
		}
		ordered[i] = v
	}

	outputs := make([]ort.Value, len(g.outputs))
	if err := g.session.Run(ordered, outputs); err != nil {
		return nil, fmt.Errorf("onnx session run error: %w", err)
	}
	return outputs, nil
}

func (g *onnxGraph) destroy() {
	if g != nil && g.session != nil {
		g.session.Destroy()
		g.session = nil
	}
}

func destroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}

// floats reads a float output as float32 regardless of its element type.
func (g *onnxGraph) floats(outputs []ort.Value, idx int) ([]float32, []int64, error) {
	switch t := outputs[idx].(type) {
	case *ort.Tensor[float32]:
		return t.GetData(), t.GetShape(), nil
	case *ort.CustomDataTensor:
		precision := Float16
		if g.outputTypes[idx] == ort.TensorElementDataTypeBFloat16 {
			precision = BFloat16
		}
		data, err := decodeHalf(t.GetData(), precision)
		return data, t.GetShape(), err
	default:
		return nil, nil, fmt.Errorf("unsupported output tensor type %T for '%s'", outputs[idx], g.outputs[idx])
	}
}

func int64Tensor(rows [][]int64) (*ort.Tensor[int64], error) {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	flat := make([]int64, 0, len(rows)*cols)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return ort.NewTensor(ort.NewShape(int64(len(rows)), int64(cols)), flat)
}

func positionIds(mask [][]int64) [][]int64 {
	out := make([][]int64, len(mask))
	for i, row := range mask {
		out[i] = make([]int64, len(row))
		var pos int64
		for j, m := range row {
			if m == 0 {
				out[i][j] = 1
				continue
			}
			out[i][j] = pos
			pos++
		}
	}
	return out
}

// textInputs builds the standard encoder inputs for a batch.
func (g *onnxGraph) textInputs(ids, mask, typeIds [][]int64) (map[string]ort.Value, func(), error) {
	values := map[string]ort.Value{}
	cleanup := func() {
		for _, v := range values {
			v.Destroy()
		}
	}

	add := func(name string, rows [][]int64) error {
		if !g.hasInput(name) {
			return nil
		}
		if rows == nil {
			rows = make([][]int64, len(ids))
			for i := range rows {
				rows[i] = make([]int64, len(ids[i]))
			}
		}
		t, err := int64Tensor(rows)
		if err != nil {
			return fmt.Errorf("error creating %s tensor: %w", name, err)
		}
		values[name] = t
		return nil
	}

	for _, in := range []struct {
		name string
		rows [][]int64
	}{
		{"input_ids", ids},
		{"attention_mask", mask},
		{"token_type_ids", typeIds},
		{"position_ids", positionIds(mask)},
	} {
		if err := add(in.name, in.rows); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return values, cleanup, nil
}

type onnxBase struct {
	class  ModelClass
	config modelConfig
	graph  *onnxGraph
}

func (m *onnxBase) Release() {
	m.graph.destroy()
}

func (m *onnxBase) Labels() []string {
	return m.config.labels()
}

// logits runs the graph on a batch and returns its first output.
func (m *onnxBase) logits(ctx context.Context, batch *Batch) ([]float32, []int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if batch.Size() == 0 {
		return nil, nil, errors.New("empty batch")
	}
	inputs, cleanup, err := m.graph.textInputs(batch.InputIDs, batch.AttentionMask, batch.TypeIDs)
	if err != nil {
		return nil, nil, err
	}
	defer cleanup()

	outputs, err := m.graph.run(inputs)
	if err != nil {
		return nil, nil, err
	}
	defer destroyValues(outputs)

	data, shape, err := m.graph.floats(outputs, 0)
	if err != nil {
		return nil, nil, err
	}
	// copy out of the runtime owned buffer before it is destroyed
	return append([]float32(nil), data...), shape, nil
}

type onnxClassifier struct{ onnxBase }

func (m *onnxClassifier) Classify(ctx context.Context, batch *Batch) ([][]float32, error) {
	data, shape, err := m.logits(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected logits of rank 2, got shape %v", shape)
	}
	return splitRows(data, int(shape[0]), int(shape[1])), nil
}

type onnxTokenClassifier struct{ onnxBase }

func (m *onnxTokenClassifier) ClassifyTokens(ctx context.Context, batch *Batch) ([][][]float32, error) {
	data, shape, err := m.logits(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected logits of rank 3, got shape %v", shape)
	}
	B, L, C := int(shape[0]), int(shape[1]), int(shape[2])
	out := make([][][]float32, B)
	for b := range out {
		out[b] = splitRows(data[b*L*C:(b+1)*L*C], L, C)
	}
	return out, nil
}

type onnxEncoder struct{ onnxBase }

// Embed returns one vector per input, mean pooling token states over the attention mask.
func (m *onnxEncoder) Embed(ctx context.Context, batch *Batch) ([][]float32, error) {
	data, shape, err := m.logits(ctx, batch)
	if err != nil {
		return nil, err
	}
	switch len(shape) {
	case 2:
		return splitRows(data, int(shape[0]), int(shape[1])), nil
	case 3:
		return meanPool(data, int(shape[0]), int(shape[1]), int(shape[2]), batch.AttentionMask), nil
	default:
		return nil, fmt.Errorf("unexpected embedding output shape %v", shape)
	}
}

func splitRows(data []float32, rows, cols int) [][]float32 {
	out := make([][]float32, rows)
	for i := range out {
		out[i] = data[i*cols : (i+1)*cols]
	}
	return out
}

func meanPool(data []float32, B, L, H int, mask [][]int64) [][]float32 {
	out := make([][]float32, B)
	for b := 0; b < B; b++ {
		out[b] = make([]float32, H)
		var count float32
		for l := 0; l < L; l++ {
			if mask != nil && mask[b][l] == 0 {
				continue
			}
			count++
			token := data[(b*L+l)*H : (b*L+l+1)*H]
			for h, v := range token {
				out[b][h] += v
			}
		}
		if count > 0 {
			for h := range out[b] {
				out[b][h] /= count
			}
		}
	}
	return out
}

// LoadOnnxModel loads an exported model directory for the given class.
func LoadOnnxModel(libraryPath string, spec ModelSpec) (Model, error) {
	if err := initOnnxRuntime(libraryPath); err != nil {
		return nil, fmt.Errorf("error initializing onnx runtime: %w", err)
	}

	config, err := readModelConfig(spec.Path)
	if err != nil {
		return nil, err
	}

	if spec.Class == Seq2SeqLM {
		return loadOnnxSeq2Seq(spec, config)
	}

	path, err := findOnnxFile(spec.Path, "model", spec.Options)
	if err != nil {
		return nil, err
	}
	graph, err := loadOnnxGraph(path, spec.Options)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded onnx model", "class", spec.Class, "path", path, "inputs", graph.inputs, "outputs", graph.outputs)

	base := onnxBase{class: spec.Class, config: config, graph: graph}
	switch spec.Class {
	case SequenceClassification:
		return &onnxClassifier{base}, nil
	case TokenClassification:
		return &onnxTokenClassifier{base}, nil
	case CausalLM:
		return &onnxCausalLM{base}, nil
	case BaseModel:
		return &onnxEncoder{base}, nil
	default:
		graph.destroy()
		return nil, fmt.Errorf("onnx runtime does not support model class '%s'", spec.Class)
	}
}
