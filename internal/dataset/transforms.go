package dataset

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/alecthomas/participle/v2"
)

/*
Transforms are applied to records as a pipeline of pre-registered steps:

Pipeline := Step ( "|" Step )*
Step     := <identifier> ( "(" ( Arg ( "," Arg )* )? ")" )?
Arg      := <string> | <int> | <identifier>

For example: rename(document, text) | lower(text) | drop(id)
*/

var pipelineParser = participle.MustBuild[pipelineExpr](
	participle.Unquote("String"),
)

type pipelineExpr struct {
	Steps []*stepExpr `parser:"@@ ( \"|\" @@ )*"`
}

type stepExpr struct {
	Name string     `parser:"@Ident"`
	Args []*argExpr `parser:"( \"(\" ( @@ ( \",\" @@ )* )? \")\" )?"`
}

type argExpr struct {
	String *string `parser:"  @String"`
	Int    *int    `parser:"| @Int"`
	Ident  *string `parser:"| @Ident"`
}

func (a *argExpr) text() string {
	switch {
	case a.String != nil:
		return *a.String
	case a.Ident != nil:
		return *a.Ident
	case a.Int != nil:
		return fmt.Sprint(*a.Int)
	}
	return ""
}

type transformFunc func(Record) (Record, error)

type transformSpec struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	build            func(args []*argExpr) (transformFunc, error)
}

var transforms = map[string]transformSpec{
	"rename":   {2, 2, buildRename},
	"copy":     {2, 2, buildCopy},
	"drop":     {1, -1, buildDrop},
	"keep":     {1, -1, buildKeep},
	"lower":    {1, 1, stringTransform(strings.ToLower)},
	"upper":    {1, 1, stringTransform(strings.ToUpper)},
	"strip":    {1, 1, stringTransform(strings.TrimSpace)},
	"prefix":   {2, 2, buildAffix(true)},
	"suffix":   {2, 2, buildAffix(false)},
	"concat":   {3, -1, buildConcat},
	"default":  {2, 2, buildDefault},
	"truncate": {2, 2, buildTruncate},
	"template": {2, 2, buildTemplate},
}

// Transforms lists the names that may be used in a pipeline.
func Transforms() []string {
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Pipeline is a parsed sequence of transforms.
type Pipeline struct {
	expr  string
	steps []transformFunc
}

func ParsePipeline(expr string) (*Pipeline, error) {
	parsed, err := pipelineParser.ParseString("", expr)
	if err != nil {
		return nil, fmt.Errorf("error parsing transform pipeline '%s': %w", expr, err)
	}

	p := &Pipeline{expr: expr}
	for _, step := range parsed.Steps {
		spec, ok := transforms[step.Name]
		if !ok {
			return nil, fmt.Errorf("unknown transform '%s', available transforms: %s", step.Name, strings.Join(Transforms(), ", "))
		}
		if len(step.Args) < spec.minArgs || (spec.maxArgs >= 0 && len(step.Args) > spec.maxArgs) {
			return nil, fmt.Errorf("transform '%s' given %d arguments", step.Name, len(step.Args))
		}
		fn, err := spec.build(step.Args)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments to transform '%s': %w", step.Name, err)
		}
		p.steps = append(p.steps, fn)
	}

	return p, nil
}

func (p *Pipeline) String() string {
	return p.expr
}

// Apply runs every step on a copy of the record. The input is not modified.
func (p *Pipeline) Apply(r Record) (Record, error) {
	out := r.Clone()
	if out == nil {
		out = make(Record)
	}
	for _, step := range p.steps {
		var err error
		if out, err = step(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func argTexts(args []*argExpr) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.text()
	}
	return out
}

func buildRename(args []*argExpr) (transformFunc, error) {
	from, to := args[0].text(), args[1].text()
	return func(r Record) (Record, error) {
		v, ok := r[from]
		if !ok {
			return nil, fmt.Errorf("rename: record has no field %q", from)
		}
		delete(r, from)
		r[to] = v
		return r, nil
	}, nil
}

func buildCopy(args []*argExpr) (transformFunc, error) {
	from, to := args[0].text(), args[1].text()
	return func(r Record) (Record, error) {
		v, ok := r[from]
		if !ok {
			return nil, fmt.Errorf("copy: record has no field %q", from)
		}
		r[to] = v
		return r, nil
	}, nil
}

func buildDrop(args []*argExpr) (transformFunc, error) {
	fields := argTexts(args)
	return func(r Record) (Record, error) {
		for _, f := range fields {
			delete(r, f)
		}
		return r, nil
	}, nil
}

func buildKeep(args []*argExpr) (transformFunc, error) {
	fields := argTexts(args)
	return func(r Record) (Record, error) {
		for k := range r {
			if !slices.Contains(fields, k) {
				delete(r, k)
			}
		}
		return r, nil
	}, nil
}

func stringTransform(fn func(string) string) func([]*argExpr) (transformFunc, error) {
	return func(args []*argExpr) (transformFunc, error) {
		field := args[0].text()
		return func(r Record) (Record, error) {
			if v, ok := r[field]; ok && v != nil {
				r[field] = fn(stringify(v))
			}
			return r, nil
		}, nil
	}
}

func buildAffix(prefix bool) func([]*argExpr) (transformFunc, error) {
	return func(args []*argExpr) (transformFunc, error) {
		field, affix := args[0].text(), args[1].text()
		return func(r Record) (Record, error) {
			if prefix {
				r[field] = affix + r.String(field)
			} else {
				r[field] = r.String(field) + affix
			}
			return r, nil
		}, nil
	}
}

// concat(to, sep, fields...)
func buildConcat(args []*argExpr) (transformFunc, error) {
	to, sep := args[0].text(), args[1].text()
	fields := argTexts(args[2:])
	return func(r Record) (Record, error) {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if _, ok := r[f]; !ok {
				return nil, fmt.Errorf("concat: record has no field %q", f)
			}
			parts = append(parts, r.String(f))
		}
		r[to] = strings.Join(parts, sep)
		return r, nil
	}, nil
}

func buildDefault(args []*argExpr) (transformFunc, error) {
	field := args[0].text()
	var value any = args[1].text()
	if args[1].Int != nil {
		value = *args[1].Int
	}
	return func(r Record) (Record, error) {
		if v, ok := r[field]; !ok || v == nil {
			r[field] = value
		}
		return r, nil
	}, nil
}

// truncate limits a field to n characters.
func buildTruncate(args []*argExpr) (transformFunc, error) {
	if args[1].Int == nil || *args[1].Int < 0 {
		return nil, fmt.Errorf("truncate length must be a non-negative integer")
	}
	field, n := args[0].text(), *args[1].Int
	return func(r Record) (Record, error) {
		if v, ok := r[field]; ok && v != nil {
			runes := []rune(stringify(v))
			if len(runes) > n {
				r[field] = string(runes[:n])
			}
		}
		return r, nil
	}, nil
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// template(to, "summarize: {text}") fills {field} placeholders from the record.
func buildTemplate(args []*argExpr) (transformFunc, error) {
	to, tmpl := args[0].text(), args[1].text()
	return func(r Record) (Record, error) {
		var missing string
		out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
			field := m[1 : len(m)-1]
			if _, ok := r[field]; !ok && missing == "" {
				missing = field
			}
			return r.String(field)
		})
		if missing != "" {
			return nil, fmt.Errorf("template: record has no field %q", missing)
		}
		r[to] = out
		return r, nil
	}, nil
}
