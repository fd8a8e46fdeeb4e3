package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/l0p7/sparqlcache/internal/expr"
	"github.com/l0p7/sparqlcache/internal/templates"
)

// Plan is a rendered-on-demand list of queries for one endpoint.
type Plan struct {
	Endpoint string
	Template *templates.Template
	// Vars are evaluated per range and exposed to the template as .Vars.
	Vars   *expr.CompiledVars
	Step   int
	Ranges []Range
}

// PlanOptions describes a plan before compilation.
type PlanOptions struct {
	Endpoint string
	// Template is inline query text; TemplateFile is resolved through the
	// renderer's sandbox. Exactly one must be set.
	Template     string
	TemplateFile string
	Vars         map[string]string
	From         int
	To           int
	Step         int
}

// NewPlan compiles the template and variables and enumerates the ranges.
func NewPlan(renderer *templates.Renderer, opts PlanOptions) (Plan, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return Plan{}, errors.New("batch: endpoint required")
	}
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	var (
		tmpl *templates.Template
		err  error
	)
	switch {
	case strings.TrimSpace(opts.Template) != "" && opts.TemplateFile != "":
		return Plan{}, errors.New("batch: template and template file are mutually exclusive")
	case opts.TemplateFile != "":
		tmpl, err = renderer.CompileFile(opts.TemplateFile)
	default:
		tmpl, err = renderer.CompileInline("query", opts.Template)
	}
	if err != nil {
		return Plan{}, fmt.Errorf("batch: %w", err)
	}
	if tmpl == nil {
		return Plan{}, errors.New("batch: query template required")
	}

	evaluator, err := expr.NewHybridEvaluator(renderer)
	if err != nil {
		return Plan{}, err
	}
	vars, err := evaluator.Compile(opts.Vars)
	if err != nil {
		return Plan{}, fmt.Errorf("batch: %w", err)
	}
	ranges, err := Ranges(opts.From, opts.To, opts.Step)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Endpoint: strings.TrimSpace(opts.Endpoint),
		Template: tmpl,
		Vars:     vars,
		Step:     opts.Step,
		Ranges:   ranges,
	}, nil
}

// Render produces the query text for one range.
func (p Plan) Render(r Range) (string, error) {
	vars, err := p.Vars.Evaluate(p.Endpoint, r.From, r.To, p.Step)
	if err != nil {
		return "", fmt.Errorf("batch: range %s: %w", r, err)
	}
	query, err := p.Template.Render(templates.RangeData{
		Endpoint: p.Endpoint,
		From:     r.From,
		To:       r.To,
		Vars:     vars,
	})
	if err != nil {
		return "", fmt.Errorf("batch: range %s: %w", r, err)
	}
	return query, nil
}
