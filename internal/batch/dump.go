package batch

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
)

// Binding is one SPARQL JSON result row, kept undecoded.
type Binding = json.RawMessage

type sparqlResults struct {
	Results struct {
		Bindings []Binding `json:"bindings"`
	} `json:"results"`
}

// Dump queries every range through source and collects the SPARQL JSON
// result bindings in range order. Ranges that fail contribute nothing.
func (d *Driver) Dump(ctx context.Context, plan Plan, source Querier, report func(Report)) ([]Binding, Summary, error) {
	var rows []Binding
	summary, err := d.run(ctx, plan, report, func(ctx context.Context, query string) (Report, error) {
		res, err := source.Query(ctx, plan.Endpoint, query, d.ttl)
		if err != nil {
			return Report{}, err
		}
		bindings, err := extractBindings(res.Payload.Data)
		if err != nil {
			return Report{Status: res.Status}, err
		}
		rows = append(rows, bindings...)
		return Report{Status: res.Status, Rows: len(bindings)}, nil
	})
	return rows, summary, err
}

func extractBindings(data []byte) ([]Binding, error) {
	var parsed sparqlResults
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("batch: decode sparql results: %w", err)
	}
	return parsed.Results.Bindings, nil
}

// WriteBindings writes rows as an indented JSON array. A nil slice is
// written as [].
func WriteBindings(w io.Writer, rows []Binding) error {
	if rows == nil {
		rows = []Binding{}
	}
	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("batch: encode bindings: %w", err)
	}
	out = append(out, '\n')
	_, err = w.Write(out)
	return err
}
