package batch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/sparqlcache/internal/metrics"
	"github.com/l0p7/sparqlcache/internal/querycache"
)

// Outcome classifies one range.
type Outcome string

const (
	// OutcomeOK means the range was cached (or collected).
	OutcomeOK Outcome = "ok"
	// OutcomeFail means the upstream answered but refused the query.
	OutcomeFail Outcome = "fail"
	// OutcomeError covers everything else: transport, timeout, rendering.
	OutcomeError Outcome = "error"
)

// Populator warms the cache for one query. runtime.Service and Remote both
// satisfy it.
type Populator interface {
	Populate(ctx context.Context, endpoint, queryText string, ttl time.Duration) error
}

// Querier returns the payload for one query.
type Querier interface {
	Query(ctx context.Context, endpoint, queryText string, ttl time.Duration) (querycache.Result, error)
}

// Report is emitted once per range.
type Report struct {
	Range    Range
	Outcome  Outcome
	Status   querycache.Status
	Rows     int
	Duration time.Duration
	Err      error
}

// Summary tallies a run.
type Summary struct {
	Total  int
	OK     int
	Failed int
	Errors int
}

func (s *Summary) add(o Outcome) {
	s.Total++
	switch o {
	case OutcomeOK:
		s.OK++
	case OutcomeFail:
		s.Failed++
	default:
		s.Errors++
	}
}

type DriverOptions struct {
	// Interval is the pause between one range finishing and the next
	// starting. Zero runs them back to back.
	Interval time.Duration
	TTL      time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Driver runs plans sequentially. A failed range never stops the run; only
// context cancellation does.
type Driver struct {
	interval time.Duration
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewDriver(opts DriverOptions) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		interval: opts.Interval,
		ttl:      opts.TTL,
		logger:   logger.With(slog.String("agent", "batch")),
		metrics:  opts.Metrics,
	}
}

// Preload populates every range of plan through target. report, when set,
// sees each range as it completes.
func (d *Driver) Preload(ctx context.Context, plan Plan, target Populator, report func(Report)) (Summary, error) {
	return d.run(ctx, plan, report, func(ctx context.Context, query string) (Report, error) {
		return Report{}, target.Populate(ctx, plan.Endpoint, query, d.ttl)
	})
}

func (d *Driver) run(ctx context.Context, plan Plan, report func(Report), step func(context.Context, string) (Report, error)) (Summary, error) {
	var summary Summary
	for i, r := range plan.Ranges {
		if i > 0 {
			if err := d.pause(ctx); err != nil {
				return summary, err
			}
		}
		start := time.Now()
		rep := Report{Range: r}
		query, err := plan.Render(r)
		if err == nil {
			var stepRep Report
			stepRep, err = step(ctx, query)
			rep.Status, rep.Rows = stepRep.Status, stepRep.Rows
		}
		if err != nil && ctx.Err() != nil {
			return summary, ctx.Err()
		}
		rep.Duration = time.Since(start)
		rep.Err = err
		rep.Outcome = classify(err)
		summary.add(rep.Outcome)
		d.metrics.ObserveBatchRange(plan.Endpoint, string(rep.Outcome))
		d.log(ctx, plan.Endpoint, rep)
		if report != nil {
			report(rep)
		}
	}
	return summary, nil
}

func (d *Driver) pause(ctx context.Context) error {
	if d.interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Driver) log(ctx context.Context, endpoint string, rep Report) {
	attrs := []slog.Attr{
		slog.String("endpoint", endpoint),
		slog.String("range", rep.Range.String()),
		slog.String("outcome", string(rep.Outcome)),
		slog.Float64("latency_ms", float64(rep.Duration)/float64(time.Millisecond)),
	}
	if rep.Err != nil {
		attrs = append(attrs, slog.Any("error", rep.Err))
		d.logger.LogAttrs(ctx, slog.LevelWarn, "range failed", attrs...)
		return
	}
	if rep.Status != "" {
		attrs = append(attrs, slog.String("status", string(rep.Status)))
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "range done", attrs...)
}

// classify treats an upstream refusal as fail and anything else as error.
// Remote errors use the kind the instance reported; without one, only a 502
// counts as a refusal.
func classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var fetchErr *querycache.FetchError
	if errors.As(err, &fetchErr) && fetchErr.Kind == querycache.UpstreamRejected {
		return OutcomeFail
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		if remoteErr.Kind != "" {
			if remoteErr.Kind == querycache.UpstreamRejected.String() {
				return OutcomeFail
			}
			return OutcomeError
		}
		if remoteErr.StatusCode == http.StatusBadGateway {
			return OutcomeFail
		}
	}
	return OutcomeError
}
