// Package batch walks a numeric range in fixed windows, renders one query per
// window and either warms the cache or collects the results.
package batch

import (
	"fmt"
	"strconv"
)

// Range is a half-open window [From, To).
type Range struct {
	From int
	To   int
}

func (r Range) String() string {
	return strconv.Itoa(r.From) + "-" + strconv.Itoa(r.To)
}

// Ranges splits [from, limit) into windows of step. The last window is
// clipped to limit. from >= limit yields no windows.
func Ranges(from, limit, step int) ([]Range, error) {
	if step <= 0 {
		return nil, fmt.Errorf("batch: step must be positive, got %d", step)
	}
	if from >= limit {
		return nil, nil
	}
	out := make([]Range, 0, (limit-from+step-1)/step)
	for start := from; start < limit; start += step {
		out = append(out, Range{From: start, To: min(start+step, limit)})
	}
	return out, nil
}
