package core

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/geniusrise/geniusrise-text/internal/core/types"
	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"gonum.org/v1/gonum/floats"
)

type TaskName string

const (
	Summarization  TaskName = "summarization"
	Translation    TaskName = "translation"
	Classification TaskName = "classification"
	Sentiment      TaskName = "sentiment"
	NLI            TaskName = "nli"
	NER            TaskName = "ner"
	QA             TaskName = "qa"
	LanguageModel  TaskName = "language_model"
	Instruction    TaskName = "instruction"
	Embeddings     TaskName = "embeddings"
)

type inferFunc func(ctx context.Context, rc *RunContext, batch *Batch) ([]any, error)

// Task describes how one bolt turns dataset records into model inputs and
// model outputs into result records.
type Task struct {
	Name TaskName
	// InputFields must be present in every record of a bulk dataset.
	InputFields []string
	// TrainFields must be present in every record of a training dataset.
	TrainFields []string
	OutputKey   string
	FilePrefix  string
	ModelClass  ModelClass
	Metrics     MetricsKind

	prepare func(r dataset.Record, opts TaskOptions) string
	infer   inferFunc
}

func fieldText(field string) func(dataset.Record, TaskOptions) string {
	return func(r dataset.Record, _ TaskOptions) string {
		return r.String(field)
	}
}

var tasks = map[TaskName]Task{
	Summarization: {
		Name: Summarization, InputFields: []string{"text"}, TrainFields: []string{"text", "summary"},
		OutputKey: "summary", FilePrefix: "summaries", ModelClass: Seq2SeqLM, Metrics: GenerationMetrics,
		prepare: fieldText("text"), infer: generate,
	},
	Translation: {
		Name: Translation, InputFields: []string{"text"}, TrainFields: []string{"text", "translation"},
		OutputKey: "translation", FilePrefix: "translations", ModelClass: Seq2SeqLM, Metrics: GenerationMetrics,
		prepare: func(r dataset.Record, opts TaskOptions) string {
			return fmt.Sprintf("translate %s to %s: %s", opts.SourceLang, opts.TargetLang, r.String("text"))
		},
		infer: generate,
	},
	Classification: {
		Name: Classification, InputFields: []string{"text"}, TrainFields: []string{"text", "label"},
		OutputKey: "label", FilePrefix: "classifications", ModelClass: SequenceClassification, Metrics: ClassificationMetrics,
		prepare: fieldText("text"), infer: classify,
	},
	Sentiment: {
		Name: Sentiment, InputFields: []string{"text"}, TrainFields: []string{"text", "label"},
		OutputKey: "label", FilePrefix: "classifications", ModelClass: SequenceClassification, Metrics: ClassificationMetrics,
		prepare: fieldText("text"), infer: classify,
	},
	NLI: {
		Name: NLI, InputFields: []string{"premise", "hypothesis"}, TrainFields: []string{"premise", "hypothesis", "label"},
		OutputKey: "label", FilePrefix: "inferences", ModelClass: SequenceClassification, Metrics: ClassificationMetrics,
		prepare: func(r dataset.Record, opts TaskOptions) string {
			return r.String("premise") + opts.PairSeparator + r.String("hypothesis")
		},
		infer: classify,
	},
	NER: {
		Name: NER, InputFields: []string{"text"}, TrainFields: []string{"tokens", "ner_tags"},
		OutputKey: "entities", FilePrefix: "entities", ModelClass: TokenClassification, Metrics: TokenMetrics,
		prepare: fieldText("text"), infer: extractEntities,
	},
	QA: {
		Name: QA, InputFields: []string{"question", "context"}, TrainFields: []string{"question", "context", "answer"},
		OutputKey: "answer", FilePrefix: "answers", ModelClass: Seq2SeqLM, Metrics: QAMetrics,
		prepare: func(r dataset.Record, _ TaskOptions) string {
			return "question: " + r.String("question") + " context: " + r.String("context")
		},
		infer: generate,
	},
	LanguageModel: {
		Name: LanguageModel, InputFields: []string{"text"}, TrainFields: []string{"text"},
		OutputKey: "completion", FilePrefix: "completions", ModelClass: CausalLM, Metrics: GenerationMetrics,
		prepare: fieldText("text"), infer: generate,
	},
	Instruction: {
		Name: Instruction, InputFields: []string{"instruction"}, TrainFields: []string{"instruction", "output"},
		OutputKey: "response", FilePrefix: "responses", ModelClass: CausalLM, Metrics: GenerationMetrics,
		prepare: fieldText("instruction"), infer: generate,
	},
	Embeddings: {
		Name: Embeddings, InputFields: []string{"text"}, TrainFields: []string{"text"},
		OutputKey: "embedding", FilePrefix: "embeddings", ModelClass: BaseModel, Metrics: NoMetrics,
		prepare: fieldText("text"), infer: embed,
	},
}

func LookupTask(name TaskName) (Task, error) {
	task, ok := tasks[name]
	if !ok {
		return Task{}, fmt.Errorf("unknown task '%s'", name)
	}
	return task, nil
}

func TaskNames() []TaskName {
	return []TaskName{Summarization, Translation, Classification, Sentiment, NLI, NER, QA, LanguageModel, Instruction, Embeddings}
}

func unsupported(rc *RunContext, capability string) error {
	return fmt.Errorf("%w: model class '%s' does not support %s", ErrModelResolution, rc.Config.ModelClass, capability)
}

func generate(ctx context.Context, rc *RunContext, batch *Batch) ([]any, error) {
	gen, ok := rc.Handles.Model.(Generator)
	if !ok {
		return nil, unsupported(rc, "generation")
	}
	texts, err := gen.Generate(ctx, rc.Handles.Tokenizer, batch, rc.Config.Generation)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(texts))
	for i, t := range texts {
		out[i] = t
	}
	return out, nil
}

func labelName(labels []string, idx int) string {
	if idx >= 0 && idx < len(labels) {
		return labels[idx]
	}
	return fmt.Sprintf("LABEL_%d", idx)
}

func argmax32(row []float32) int64 {
	f := make([]float64, len(row))
	for i, v := range row {
		f[i] = float64(v)
	}
	return int64(floats.MaxIdx(f))
}

func argmaxScore(logits []float32) (int, float32) {
	idx := int(argmax32(logits))
	// softmax probability of the winning class
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - logits[idx]))
	}
	return idx, float32(1 / sum)
}

func (rc *RunContext) labels(model interface{ Labels() []string }) []string {
	if len(rc.Config.Options.Labels) > 0 {
		return rc.Config.Options.Labels
	}
	return model.Labels()
}

func classify(ctx context.Context, rc *RunContext, batch *Batch) ([]any, error) {
	cls, ok := rc.Handles.Model.(Classifier)
	if !ok {
		return nil, unsupported(rc, "classification")
	}
	logits, err := cls.Classify(ctx, batch)
	if err != nil {
		return nil, err
	}
	labels := rc.labels(cls)
	out := make([]any, len(logits))
	for i, row := range logits {
		idx, _ := argmaxScore(row)
		out[i] = labelName(labels, idx)
	}
	return out, nil
}

func embed(ctx context.Context, rc *RunContext, batch *Batch) ([]any, error) {
	emb, ok := rc.Handles.Model.(Embedder)
	if !ok {
		return nil, unsupported(rc, "embeddings")
	}
	vectors, err := emb.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(vectors))
	for i, v := range vectors {
		out[i] = v
	}
	return out, nil
}

func extractEntities(ctx context.Context, rc *RunContext, batch *Batch) ([]any, error) {
	tc, ok := rc.Handles.Model.(TokenClassifier)
	if !ok {
		return nil, unsupported(rc, "token classification")
	}
	if batch.Offsets == nil {
		return nil, fmt.Errorf("tokenizer class '%s' does not return token offsets", rc.Config.TokenizerClass)
	}
	logits, err := tc.ClassifyTokens(ctx, batch)
	if err != nil {
		return nil, err
	}

	labels := rc.labels(tc)
	out := make([]any, len(logits))
	for i, tokens := range logits {
		out[i] = groupEntities(batch.Texts[i], tokens, batch.Offsets[i], labels)
	}
	return out, nil
}

// groupEntities merges consecutive tokens with the same entity type, following
// the B-/I- tagging scheme when labels use it.
func groupEntities(text string, logits [][]float32, offsets [][2]int, labels []string) []types.Entity {
	entities := []types.Entity{}

	var current *types.Entity
	var scores []float32
	flush := func() {
		if current == nil {
			return
		}
		var sum float32
		for _, s := range scores {
			sum += s
		}
		*current = types.CreateEntity(current.Label, text, current.Start, current.End, sum/float32(len(scores)))
		entities = append(entities, *current)
		current, scores = nil, nil
	}

	for j, row := range logits {
		if j >= len(offsets) || offsets[j] == [2]int{} {
			continue
		}
		idx, score := argmaxScore(row)
		tag := labelName(labels, idx)
		if tag == "O" || (len(labels) == 0 && idx == OutsideLabel) {
			flush()
			continue
		}

		begin := strings.HasPrefix(tag, "B-")
		entityType := strings.TrimPrefix(strings.TrimPrefix(tag, "B-"), "I-")

		if current != nil && !begin && current.Label == entityType {
			current.End = offsets[j][1]
			scores = append(scores, score)
			continue
		}

		flush()
		current = &types.Entity{Label: entityType, Start: offsets[j][0], End: offsets[j][1]}
		scores = []float32{score}
	}
	flush()
	return entities
}
