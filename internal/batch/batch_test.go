package batch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/sparqlcache/internal/querycache"
	"github.com/l0p7/sparqlcache/internal/templates"
)

const peopleTemplate = `SELECT ?person WHERE { ?person <urn:birth> ?birth . FILTER(?birth >= {{ .From }} && ?birth < {{ .To }}) }`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRanges(t *testing.T) {
	tests := []struct {
		name              string
		from, limit, step int
		want              []Range
		wantErr           bool
	}{
		{name: "exact", from: 0, limit: 30, step: 10, want: []Range{{0, 10}, {10, 20}, {20, 30}}},
		{name: "clipped tail", from: 2000, limit: 2025, step: 10, want: []Range{{2000, 2010}, {2010, 2020}, {2020, 2025}}},
		{name: "single short window", from: 5, limit: 7, step: 10, want: []Range{{5, 7}}},
		{name: "empty", from: 10, limit: 10, step: 10},
		{name: "inverted", from: 20, limit: 10, step: 10},
		{name: "zero step", from: 0, limit: 10, step: 0, wantErr: true},
		{name: "negative step", from: 0, limit: 10, step: -1, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Ranges(tc.from, tc.limit, tc.step)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRangesDefaultSpan(t *testing.T) {
	got, err := Ranges(310, 2025, 10)
	require.NoError(t, err)
	require.Len(t, got, 172)
	require.Equal(t, Range{310, 320}, got[0])
	require.Equal(t, Range{2020, 2025}, got[len(got)-1])
	require.Equal(t, "2020-2025", got[len(got)-1].String())
}

func TestNewPlanRendersRanges(t *testing.T) {
	plan, err := NewPlan(nil, PlanOptions{
		Endpoint: " vrti ",
		Template: `{{ .Vars.label }} {{ .From }}..{{ .To }}`,
		Vars:     map[string]string{"label": `"decade " + string(from / 10)`},
		From:     1800,
		To:       1815,
		Step:     10,
	})
	require.NoError(t, err)
	require.Equal(t, "vrti", plan.Endpoint)
	require.Len(t, plan.Ranges, 2)

	query, err := plan.Render(plan.Ranges[1])
	require.NoError(t, err)
	require.Equal(t, "decade 181 1810..1815", query)
}

func TestNewPlanTemplateFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.tmpl"), []byte(peopleTemplate), 0o600))
	sandbox, err := templates.NewSandbox(dir, false, nil)
	require.NoError(t, err)

	plan, err := NewPlan(templates.NewRenderer(sandbox), PlanOptions{
		Endpoint:     "vrti",
		TemplateFile: "people.tmpl",
		From:         1900,
		To:           1910,
		Step:         10,
	})
	require.NoError(t, err)
	query, err := plan.Render(plan.Ranges[0])
	require.NoError(t, err)
	require.Contains(t, query, "?birth >= 1900 && ?birth < 1910")
}

func TestNewPlanErrors(t *testing.T) {
	tests := []struct {
		name string
		opts PlanOptions
	}{
		{name: "no endpoint", opts: PlanOptions{Template: peopleTemplate, From: 0, To: 10, Step: 1}},
		{name: "no template", opts: PlanOptions{Endpoint: "vrti", From: 0, To: 10, Step: 1}},
		{name: "both templates", opts: PlanOptions{Endpoint: "vrti", Template: peopleTemplate, TemplateFile: "x.tmpl", From: 0, To: 10, Step: 1}},
		{name: "file without sandbox", opts: PlanOptions{Endpoint: "vrti", TemplateFile: "x.tmpl", From: 0, To: 10, Step: 1}},
		{name: "bad template", opts: PlanOptions{Endpoint: "vrti", Template: "{{ .From ", From: 0, To: 10, Step: 1}},
		{name: "bad var", opts: PlanOptions{Endpoint: "vrti", Template: peopleTemplate, Vars: map[string]string{"x": "from +"}, From: 0, To: 10, Step: 1}},
		{name: "bad step", opts: PlanOptions{Endpoint: "vrti", Template: peopleTemplate, From: 0, To: 10, Step: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPlan(nil, tc.opts)
			require.Error(t, err)
		})
	}
}

type fakeTarget struct {
	mu      sync.Mutex
	queries []string
	errFor  map[string]error
	payload func(query string) []byte
	// delay makes every Populate call take at least this long.
	delay  time.Duration
	starts []time.Time
	ends   []time.Time
}

func (f *fakeTarget) Populate(_ context.Context, _ string, query string, _ time.Duration) error {
	start := time.Now()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.starts = append(f.starts, start)
	f.ends = append(f.ends, time.Now())
	return f.errFor[query]
}

func (f *fakeTarget) Query(_ context.Context, _ string, query string, _ time.Duration) (querycache.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if err := f.errFor[query]; err != nil {
		return querycache.Result{}, err
	}
	return querycache.Result{
		Payload: querycache.Payload{Data: f.payload(query), ContentType: "application/sparql-results+json"},
		Status:  querycache.StatusMiss,
	}, nil
}

func newRangePlan(t *testing.T, from, to, step int) Plan {
	t.Helper()
	plan, err := NewPlan(nil, PlanOptions{Endpoint: "vrti", Template: "{{ .From }}-{{ .To }}", From: from, To: to, Step: step})
	require.NoError(t, err)
	return plan
}

func TestDriverPreloadClassifiesRanges(t *testing.T) {
	target := &fakeTarget{errFor: map[string]error{
		"10-20": querycache.Rejected(400, errors.New("bad query")),
		"20-30": querycache.Unavailable(errors.New("connection refused")),
		"30-35": &RemoteError{StatusCode: 502, Kind: "upstream_rejected"},
	}}
	driver := NewDriver(DriverOptions{Logger: quietLogger()})

	var reports []Report
	summary, err := driver.Preload(context.Background(), newRangePlan(t, 0, 35, 10), target, func(r Report) {
		reports = append(reports, r)
	})
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 4, OK: 1, Failed: 2, Errors: 1}, summary)
	require.Equal(t, []string{"0-10", "10-20", "20-30", "30-35"}, target.queries)

	outcomes := make([]Outcome, 0, len(reports))
	for _, r := range reports {
		outcomes = append(outcomes, r.Outcome)
	}
	require.Equal(t, []Outcome{OutcomeOK, OutcomeFail, OutcomeError, OutcomeFail}, outcomes)
	require.NoError(t, reports[0].Err)
	require.Error(t, reports[2].Err)
}

func TestDriverSpacesRanges(t *testing.T) {
	target := &fakeTarget{}
	driver := NewDriver(DriverOptions{Interval: 40 * time.Millisecond, Logger: quietLogger()})

	start := time.Now()
	summary, err := driver.Preload(context.Background(), newRangePlan(t, 0, 3, 1), target, nil)
	require.NoError(t, err)
	require.Equal(t, 3, summary.OK)
	// The first range goes immediately; the next two wait one interval each.
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDriverPausesAfterSlowRanges(t *testing.T) {
	interval := 30 * time.Millisecond
	target := &fakeTarget{delay: 2 * interval}
	driver := NewDriver(DriverOptions{Interval: interval, Logger: quietLogger()})

	summary, err := driver.Preload(context.Background(), newRangePlan(t, 0, 3, 1), target, nil)
	require.NoError(t, err)
	require.Equal(t, 3, summary.OK)
	require.Len(t, target.starts, 3)
	for i := 1; i < len(target.starts); i++ {
		gap := target.starts[i].Sub(target.ends[i-1])
		require.GreaterOrEqualf(t, gap, interval, "gap before range %d", i)
	}
}

func TestDriverStopsOnCancellation(t *testing.T) {
	target := &fakeTarget{}
	driver := NewDriver(DriverOptions{Interval: time.Hour, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	var seen int
	done := make(chan struct{})
	var (
		summary Summary
		err     error
	)
	go func() {
		defer close(done)
		summary, err = driver.Preload(ctx, newRangePlan(t, 0, 5, 1), target, func(Report) {
			seen++
			cancel()
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("preload did not stop after cancellation")
	}
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, seen)
	require.Equal(t, 1, summary.Total)
}

func TestDriverDumpCollectsBindings(t *testing.T) {
	target := &fakeTarget{
		errFor: map[string]error{"2-3": querycache.TimedOut(context.DeadlineExceeded)},
		payload: func(query string) []byte {
			if query == "1-2" {
				return []byte(`not json`)
			}
			return []byte(`{"head":{"vars":["p"]},"results":{"bindings":[{"p":{"type":"literal","value":"` + query + `"}}]}}`)
		},
	}
	driver := NewDriver(DriverOptions{Logger: quietLogger()})

	rows, summary, err := driver.Dump(context.Background(), newRangePlan(t, 0, 4, 1), target, nil)
	require.NoError(t, err)
	require.Equal(t, Summary{Total: 4, OK: 2, Errors: 2}, summary)
	require.Len(t, rows, 2)
	require.Contains(t, string(rows[0]), `"0-1"`)
	require.Contains(t, string(rows[1]), `"3-4"`)

	var buf bytes.Buffer
	require.NoError(t, WriteBindings(&buf, rows))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	require.True(t, strings.HasPrefix(buf.String(), "[\n  {"))
}

func TestWriteBindingsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBindings(&buf, nil))
	require.Equal(t, "[]\n", buf.String())
}
