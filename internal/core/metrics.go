package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
	"gonum.org/v1/gonum/floats"
)

// IgnoreIndex marks label positions excluded from metrics.
const IgnoreIndex = -100

// Tensor is a dense row-major array of any rank.
type Tensor struct {
	Shape []int
	Data  []float64
}

// UnmarshalJSON accepts a nested array, or {"tuple": [...]} in which case only
// the first element is used.
func (t *Tensor) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := parseTensor(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func NewTensor(v any) (Tensor, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Tensor{}, err
	}
	var t Tensor
	err = t.UnmarshalJSON(data)
	return t, err
}

func parseTensor(v any) (Tensor, error) {
	switch x := v.(type) {
	case float64:
		return Tensor{Shape: []int{}, Data: []float64{x}}, nil
	case map[string]any:
		tuple, ok := x["tuple"].([]any)
		if !ok || len(tuple) == 0 {
			return Tensor{}, errors.New("tensor object must have a non-empty 'tuple' list")
		}
		return parseTensor(tuple[0])
	case []any:
		if len(x) == 0 {
			return Tensor{Shape: []int{0}}, nil
		}
		var out Tensor
		for i, elem := range x {
			child, err := parseTensor(elem)
			if err != nil {
				return Tensor{}, err
			}
			if i == 0 {
				out.Shape = append([]int{len(x)}, child.Shape...)
			} else if !sameShape(out.Shape[1:], child.Shape) {
				return Tensor{}, fmt.Errorf("ragged tensor: element %d has shape %v, expected %v", i, child.Shape, out.Shape[1:])
			}
			out.Data = append(out.Data, child.Data...)
		}
		return out, nil
	default:
		return Tensor{}, fmt.Errorf("unsupported tensor element type %T", v)
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t Tensor) Rank() int {
	return len(t.Shape)
}

func (t Tensor) integral() bool {
	for _, v := range t.Data {
		if v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// argmaxLast reduces the last axis.
func (t Tensor) argmaxLast() Tensor {
	if t.Rank() == 0 {
		return t
	}
	width := t.Shape[t.Rank()-1]
	out := Tensor{Shape: append([]int{}, t.Shape[:t.Rank()-1]...)}
	if width == 0 {
		return out
	}
	for start := 0; start < len(t.Data); start += width {
		out.Data = append(out.Data, float64(floats.MaxIdx(t.Data[start:start+width])))
	}
	return out
}

// rows splits a rank 2 tensor into integer rows; a rank 1 tensor becomes rows of length one.
func (t Tensor) rows() ([][]int, error) {
	switch t.Rank() {
	case 1:
		out := make([][]int, len(t.Data))
		for i, v := range t.Data {
			out[i] = []int{int(v)}
		}
		return out, nil
	case 2:
		out := make([][]int, t.Shape[0])
		for i := range out {
			out[i] = make([]int, t.Shape[1])
			for j := range out[i] {
				out[i][j] = int(t.Data[i*t.Shape[1]+j])
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a tensor of rank 1 or 2, got shape %v", t.Shape)
	}
}

func (t Tensor) ints() []int {
	out := make([]int, len(t.Data))
	for i, v := range t.Data {
		out[i] = int(v)
	}
	return out
}

// EvalPrediction is the output of evaluating a trained model.
type EvalPrediction struct {
	Predictions Tensor `json:"predictions"`
	Labels      Tensor `json:"label_ids"`
}

func NewEvalPrediction(predictions, labels any) (*EvalPrediction, error) {
	p, err := NewTensor(predictions)
	if err != nil {
		return nil, fmt.Errorf("invalid predictions: %w", err)
	}
	l, err := NewTensor(labels)
	if err != nil {
		return nil, fmt.Errorf("invalid labels: %w", err)
	}
	return &EvalPrediction{Predictions: p, Labels: l}, nil
}

type MetricsKind string

const (
	ClassificationMetrics MetricsKind = "classification"
	GenerationMetrics     MetricsKind = "bleu"
	TokenMetrics          MetricsKind = "token"
	QAMetrics             MetricsKind = "qa"
	NoMetrics             MetricsKind = "none"
)

type MetricsComputer interface {
	Compute(pred EvalPrediction) (map[string]float64, error)
}

// NewMetricsComputer returns the computer for a metrics kind. The tokenizer is
// used to decode ids for text metrics and may be nil.
func NewMetricsComputer(kind MetricsKind, tok Tokenizer) (MetricsComputer, error) {
	switch kind {
	case ClassificationMetrics:
		return classificationMetrics{}, nil
	case GenerationMetrics:
		return generationMetrics{tok: tok}, nil
	case TokenMetrics:
		return tokenMetrics{}, nil
	case QAMetrics:
		if tok == nil {
			return nil, errors.New("qa metrics require a tokenizer")
		}
		return qaMetrics{tok: tok}, nil
	case NoMetrics:
		return noMetrics{}, nil
	default:
		return nil, fmt.Errorf("unknown metrics kind '%s'", kind)
	}
}

type noMetrics struct{}

func (noMetrics) Compute(EvalPrediction) (map[string]float64, error) {
	return map[string]float64{}, nil
}

type classificationMetrics struct{}

func (classificationMetrics) Compute(pred EvalPrediction) (map[string]float64, error) {
	predictions := pred.Predictions
	switch {
	case predictions.Rank() == 2:
		predictions = predictions.argmaxLast()
	case predictions.Rank() != 1:
		return nil, fmt.Errorf("classification predictions must have rank 1 or 2, got shape %v", predictions.Shape)
	}

	labels := pred.Labels
	switch {
	case labels.Rank() == 2:
		labels = labels.argmaxLast()
	case labels.Rank() != 1:
		return nil, fmt.Errorf("classification labels must have rank 1 or 2, got shape %v", labels.Shape)
	}

	p, l := predictions.ints(), labels.ints()
	if len(p) != len(l) {
		return nil, fmt.Errorf("got %d predictions for %d labels", len(p), len(l))
	}
	if len(p) == 0 {
		return nil, errors.New("no predictions to evaluate")
	}

	var correct, tp, fp, fn float64
	for i := range p {
		if p[i] == l[i] {
			correct++
		}
		switch {
		case p[i] == 1 && l[i] == 1:
			tp++
		case p[i] == 1:
			fp++
		case l[i] == 1:
			fn++
		}
	}

	precision, recall, f1 := prf(tp, fp, fn)
	return map[string]float64{
		"accuracy":  correct / float64(len(p)),
		"precision": precision,
		"recall":    recall,
		"f1":        f1,
	}, nil
}

// prf returns precision, recall and f1, taking 0 where the denominator is 0.
func prf(tp, fp, fn float64) (float64, float64, float64) {
	div := func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	}
	precision := div(tp, tp+fp)
	recall := div(tp, tp+fn)
	return precision, recall, div(2*precision*recall, precision+recall)
}

// sequences turns predictions into id sequences, taking the argmax of logits.
func sequences(t Tensor) ([][]int, error) {
	if !t.integral() || t.Rank() == 3 {
		t = t.argmaxLast()
	}
	rows, err := t.rows()
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		rows[i] = dropIgnored(row)
	}
	return rows, nil
}

func dropIgnored(ids []int) []int {
	out := ids[:0:0]
	for _, id := range ids {
		if id >= 0 {
			out = append(out, id)
		}
	}
	return out
}

type generationMetrics struct {
	tok Tokenizer
}

func (m generationMetrics) Compute(pred EvalPrediction) (map[string]float64, error) {
	candidates, err := sequences(pred.Predictions)
	if err != nil {
		return nil, fmt.Errorf("invalid predictions: %w", err)
	}
	references, err := pred.Labels.rows()
	if err != nil {
		return nil, fmt.Errorf("invalid labels: %w", err)
	}
	if len(candidates) != len(references) {
		return nil, fmt.Errorf("got %d predictions for %d labels", len(candidates), len(references))
	}
	for i, ref := range references {
		references[i] = dropIgnored(ref)
	}

	metrics := map[string]float64{"bleu": corpusBLEU(candidates, references, 4)}

	if m.tok != nil {
		if cer, err := charErrorRate(m.tok, candidates, references); err == nil {
			metrics["cer"] = cer
		}
	}
	return metrics, nil
}

func ngramCounts(ids []int, n int) map[string]int {
	counts := map[string]int{}
	for i := 0; i+n <= len(ids); i++ {
		counts[fmt.Sprint(ids[i:i+n])]++
	}
	return counts
}

// corpusBLEU computes BLEU with add-one smoothing of every n-gram precision.
func corpusBLEU(candidates, references [][]int, maxN int) float64 {
	var candLen, refLen int
	matches := make([]float64, maxN)
	totals := make([]float64, maxN)

	for i, cand := range candidates {
		ref := references[i]
		candLen += len(cand)
		refLen += len(ref)
		for n := 1; n <= maxN; n++ {
			refCounts := ngramCounts(ref, n)
			for gram, c := range ngramCounts(cand, n) {
				matches[n-1] += float64(min(c, refCounts[gram]))
				totals[n-1] += float64(c)
			}
		}
	}

	if candLen == 0 {
		return 0
	}

	var logSum float64
	for n := 0; n < maxN; n++ {
		logSum += math.Log((matches[n] + 1) / (totals[n] + 1))
	}

	bp := 1.0
	if candLen < refLen {
		bp = math.Exp(1 - float64(refLen)/float64(candLen))
	}
	return bp * math.Exp(logSum/float64(maxN))
}

func decodeAll(tok Tokenizer, seqs [][]int) ([]string, error) {
	out := make([]string, len(seqs))
	for i, seq := range seqs {
		ids := make([]int64, len(seq))
		for j, id := range seq {
			ids[j] = int64(id)
		}
		text, err := tok.Decode(ids, true)
		if err != nil {
			return nil, err
		}
		out[i] = text
	}
	return out, nil
}

func charErrorRate(tok Tokenizer, candidates, references [][]int) (float64, error) {
	cands, err := decodeAll(tok, candidates)
	if err != nil {
		return 0, err
	}
	refs, err := decodeAll(tok, references)
	if err != nil {
		return 0, err
	}

	var dist, length float64
	for i := range cands {
		dist += float64(levenshtein.ComputeDistance(cands[i], refs[i]))
		length += float64(len([]rune(refs[i])))
	}
	if length == 0 {
		return 0, nil
	}
	return dist / length, nil
}

// OutsideLabel is the class id of tokens outside any entity.
const OutsideLabel = 0

type tokenMetrics struct{}

func (tokenMetrics) Compute(pred EvalPrediction) (map[string]float64, error) {
	predictions := pred.Predictions
	if predictions.Rank() == 3 {
		predictions = predictions.argmaxLast()
	}
	if predictions.Rank() != 2 || pred.Labels.Rank() != 2 || !sameShape(predictions.Shape, pred.Labels.Shape) {
		return nil, fmt.Errorf("token predictions %v and labels %v must be [batch, seq] of equal shape", predictions.Shape, pred.Labels.Shape)
	}

	p, l := predictions.ints(), pred.Labels.ints()
	var total, correct, tp, fp, fn float64
	for i := range l {
		if l[i] == IgnoreIndex {
			continue
		}
		total++
		if p[i] == l[i] {
			correct++
			if l[i] != OutsideLabel {
				tp++
			}
			continue
		}
		if p[i] != OutsideLabel {
			fp++
		}
		if l[i] != OutsideLabel {
			fn++
		}
	}
	if total == 0 {
		return nil, errors.New("no labelled tokens to evaluate")
	}

	precision, recall, f1 := prf(tp, fp, fn)
	return map[string]float64{
		"accuracy":  correct / total,
		"precision": precision,
		"recall":    recall,
		"f1":        f1,
	}, nil
}

type qaMetrics struct {
	tok Tokenizer
}

func (m qaMetrics) Compute(pred EvalPrediction) (map[string]float64, error) {
	candidates, err := sequences(pred.Predictions)
	if err != nil {
		return nil, fmt.Errorf("invalid predictions: %w", err)
	}
	references, err := pred.Labels.rows()
	if err != nil {
		return nil, fmt.Errorf("invalid labels: %w", err)
	}
	if len(candidates) != len(references) {
		return nil, fmt.Errorf("got %d predictions for %d labels", len(candidates), len(references))
	}
	if len(candidates) == 0 {
		return nil, errors.New("no predictions to evaluate")
	}
	for i, ref := range references {
		references[i] = dropIgnored(ref)
	}

	answers, err := decodeAll(m.tok, candidates)
	if err != nil {
		return nil, err
	}
	truths, err := decodeAll(m.tok, references)
	if err != nil {
		return nil, err
	}

	var em, f1 float64
	for i := range answers {
		a, t := normalizeAnswer(answers[i]), normalizeAnswer(truths[i])
		if strings.Join(a, " ") == strings.Join(t, " ") {
			em++
		}
		f1 += tokenF1(a, t)
	}
	n := float64(len(answers))
	return map[string]float64{"exact_match": em / n, "f1": f1 / n}, nil
}

var (
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
	articlesRe    = regexp.MustCompile(`\b(a|an|the)\b`)
)

func normalizeAnswer(s string) []string {
	s = strings.ToLower(s)
	s = punctuationRe.ReplaceAllString(s, " ")
	s = articlesRe.ReplaceAllString(s, " ")
	return strings.Fields(s)
}

func tokenF1(pred, truth []string) float64 {
	if len(pred) == 0 || len(truth) == 0 {
		if len(pred) == len(truth) {
			return 1
		}
		return 0
	}
	counts := map[string]int{}
	for _, w := range truth {
		counts[w]++
	}
	var common float64
	for _, w := range pred {
		if counts[w] > 0 {
			common++
			counts[w]--
		}
	}
	if common == 0 {
		return 0
	}
	precision := common / float64(len(pred))
	recall := common / float64(len(truth))
	return 2 * precision * recall / (precision + recall)
}
