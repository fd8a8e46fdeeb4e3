package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles SPARQL query templates. Templates get the sprig function
// set minus its filesystem and raw environment helpers, plus escaping helpers
// for SPARQL literals and IRIs.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled query template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// RangeData is the data handed to batch query templates.
type RangeData struct {
	Endpoint string
	From     int
	To       int
	Vars     map[string]any
}

var removedHelpers = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// NewRenderer binds a renderer to sandbox. A nil sandbox disables file
// templates and environment access.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range removedHelpers {
		delete(funcs, name)
	}
	funcs["env"] = func(key string) string {
		return sandbox.Environment()[key]
	}
	funcs["expandenv"] = func(input string) string {
		env := sandbox.Environment()
		return os.Expand(input, func(key string) string { return env[key] })
	}
	funcs["sparqlString"] = SPARQLString
	funcs["sparqlIRI"] = SPARQLIRI
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. Blank sources yield a nil template so optional
// config fields need no special casing.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=error").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile loads a template through the sandbox.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a sandbox")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.CompileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template. The rendered query is used verbatim as cache
// key input, so templates should be deterministic.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// SPARQLString quotes value as a SPARQL string literal.
func SPARQLString(value string) string {
	return `"` + literalEscaper.Replace(value) + `"`
}

// SPARQLIRI wraps value in angle brackets, percent-encoding characters that
// are not allowed inside an IRIREF.
func SPARQLIRI(value string) string {
	var b strings.Builder
	b.WriteByte('<')
	for _, r := range value {
		switch {
		case r <= 0x20, strings.ContainsRune("<>\"{}|^`\\", r):
			fmt.Fprintf(&b, "%%%02X", r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('>')
	return b.String()
}
