// Package render turns a job.Template's ordered steps into concrete model
// prompts, given a seed-data row and the outputs already produced by
// earlier steps in the same record.
package render

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// StepOutput is a prior step's result, kept around so a later step in the
// same record can reference it by step id.
type StepOutput struct {
	StepID string
	Text   string
}

// Context is everything a single template step's render needs: the seed
// row for this record and the outputs of steps that ran before it.
type Context struct {
	Row          map[string]interface{}
	PriorOutputs map[string]string
}

// filterFuncs are the built-in template filters every prompt source text
// may call, applied as pipeline functions: `{{ .row.name | upper }}`.
var filterFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"default": func(fallback, value string) string {
		if strings.TrimSpace(value) == "" {
			return fallback
		}
		return value
	},
	"join": func(sep string, values []string) string {
		return strings.Join(values, sep)
	},
}

// Render executes a step's prompt source text against ctx. The template
// sees two top-level fields: .row (the seed-data row) and .steps (a map of
// earlier step id -> rendered text), so a step can write
// `{{ .steps.extract_entities }}` to cross-reference an earlier step.
func Render(stepID, promptSource string, ctx Context) (string, error) {
	tmpl, err := template.New(stepID).Funcs(filterFuncs).Parse(promptSource)
	if err != nil {
		return "", fmt.Errorf("render: parse step %s: %w", stepID, err)
	}

	data := map[string]interface{}{
		"row":   ctx.Row,
		"steps": ctx.PriorOutputs,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render: execute step %s: %w", stepID, err)
	}
	return buf.String(), nil
}

// ValidateSchema checks that every dotted path in requiredFields resolves
// to a non-nil value inside fields, returning the first missing path if
// not. Dotted paths address nested maps: "meta.source.name".
func ValidateSchema(fields map[string]interface{}, requiredFields []string) (missing string, ok bool) {
	sorted := append([]string(nil), requiredFields...)
	sort.Strings(sorted)
	for _, path := range sorted {
		if !resolves(fields, path) {
			return path, false
		}
	}
	return "", true
}

func resolves(fields map[string]interface{}, path string) bool {
	parts := strings.Split(path, ".")
	cur := interface{}(fields)
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return false
		}
		v, ok := m[part]
		if !ok || v == nil {
			return false
		}
		cur = v
	}
	return true
}
