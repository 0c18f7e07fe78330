package dataset_test

import (
	"testing"

	"github.com/geniusrise/geniusrise-text/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline(t *testing.T) {
	cases := []struct {
		expr string
		in   dataset.Record
		want dataset.Record
	}{
		{
			expr: "rename(document, text) | lower(text) | drop(id)",
			in:   dataset.Record{"document": "Hello World", "id": 7},
			want: dataset.Record{"text": "hello world"},
		},
		{
			expr: `keep(text) | strip(text) | upper(text)`,
			in:   dataset.Record{"text": "  abc ", "extra": true},
			want: dataset.Record{"text": "ABC"},
		},
		{
			expr: `concat(text, " [SEP] ", premise, hypothesis)`,
			in:   dataset.Record{"premise": "a", "hypothesis": "b"},
			want: dataset.Record{"premise": "a", "hypothesis": "b", "text": "a [SEP] b"},
		},
		{
			expr: `prefix(text, "summarize: ") | suffix(text, ".") | truncate(text, 14)`,
			in:   dataset.Record{"text": "a long document"},
			want: dataset.Record{"text": "summarize: a l"},
		},
		{
			expr: `default(label, 0) | copy(label, target)`,
			in:   dataset.Record{"label": nil},
			want: dataset.Record{"label": 0, "target": 0},
		},
		{
			expr: `template(prompt, "question: {question} context: {context}")`,
			in:   dataset.Record{"question": "who?", "context": "me"},
			want: dataset.Record{"question": "who?", "context": "me", "prompt": "question: who? context: me"},
		},
	}

	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			p, err := dataset.ParsePipeline(c.expr)
			require.NoError(t, err)

			in := c.in.Clone()
			got, err := p.Apply(c.in)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
			assert.Equal(t, in, c.in)
		})
	}
}

func TestPipelineApplyNilRecord(t *testing.T) {
	p, err := dataset.ParsePipeline("default(label, 0)")
	require.NoError(t, err)

	got, err := p.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, dataset.Record{"label": 0}, got)
}

func TestPipelineParseErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"rename(a, b",
		"explode(text)",
		"rename(a)",
		"truncate(text, abc)",
		"lower(text) |",
	} {
		_, err := dataset.ParsePipeline(expr)
		assert.Error(t, err, expr)
	}
}

func TestPipelineApplyErrors(t *testing.T) {
	for _, expr := range []string{"rename(missing, text)", "concat(t, \",\", a, missing)", `template(t, "{missing}")`} {
		p, err := dataset.ParsePipeline(expr)
		require.NoError(t, err)

		_, err = p.Apply(dataset.Record{"a": "x"})
		assert.Error(t, err, expr)
	}
}
