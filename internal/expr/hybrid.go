package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/l0p7/sparqlcache/internal/templates"
)

// HybridEvaluator resolves batch variables written either as Go templates
// (anything containing "{{") or as CEL expressions over the range.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

// NewHybridEvaluator builds an evaluator over the range environment.
func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewRangeEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// CompiledVars is a set of compiled variable definitions.
type CompiledVars struct {
	names     []string
	programs  map[string]Program
	templates map[string]*templates.Template
}

// Compile validates every definition up front so a bad expression fails
// before the first range is fetched.
func (h *HybridEvaluator) Compile(defs map[string]string) (*CompiledVars, error) {
	out := &CompiledVars{
		programs:  make(map[string]Program),
		templates: make(map[string]*templates.Template),
	}
	for name, def := range defs {
		source := strings.TrimSpace(def)
		if source == "" {
			return nil, fmt.Errorf("hybrid: variable %q is empty", name)
		}
		if strings.Contains(source, "{{") {
			tmpl, err := h.renderer.CompileInline(name, source)
			if err != nil {
				return nil, fmt.Errorf("hybrid: variable %q: %w", name, err)
			}
			out.templates[name] = tmpl
		} else {
			prog, err := h.celEnv.CompileValue(source)
			if err != nil {
				return nil, fmt.Errorf("hybrid: variable %q: %w", name, err)
			}
			out.programs[name] = prog
		}
		out.names = append(out.names, name)
	}
	sort.Strings(out.names)
	return out, nil
}

// Evaluate resolves every variable for one range. Template variables see
// .endpoint, .from, .to and .step.
func (c *CompiledVars) Evaluate(endpoint string, from, to, step int) (map[string]any, error) {
	if c == nil || len(c.names) == 0 {
		return map[string]any{}, nil
	}
	activation := RangeActivation(endpoint, from, to, step)
	out := make(map[string]any, len(c.names))
	for _, name := range c.names {
		if tmpl, ok := c.templates[name]; ok {
			rendered, err := tmpl.Render(activation)
			if err != nil {
				return nil, fmt.Errorf("hybrid: render %q: %w", name, err)
			}
			out[name] = rendered
			continue
		}
		value, err := c.programs[name].Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("hybrid: evaluate %q: %w", name, err)
		}
		out[name] = value
	}
	return out, nil
}

// RangeActivation builds the activation shared by CEL and template variables.
func RangeActivation(endpoint string, from, to, step int) map[string]any {
	return map[string]any{
		"endpoint": endpoint,
		"from":     int64(from),
		"to":       int64(to),
		"step":     int64(step),
	}
}
