package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/l0p7/sparqlcache/internal/batch"
	"github.com/l0p7/sparqlcache/internal/config"
	"github.com/l0p7/sparqlcache/internal/templates"
)

const defaultDumpOutput = "sparql-results.json"

// batchFlags override the batch section of the config when set.
type batchFlags struct {
	endpoint     string
	template     string
	templateFile string
	from         int
	to           int
	step         int
	interval     time.Duration
	ttl          time.Duration
	vars         map[string]string
	output       string
	server       string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.endpoint, "endpoint", "e", "", "endpoint name to query")
	flags.StringVar(&f.template, "template", "", "inline query template")
	flags.StringVarP(&f.templateFile, "template-file", "t", "", "query template file, relative to the templates folder")
	flags.IntVar(&f.from, "from", 0, "first value of the range (inclusive)")
	flags.IntVar(&f.to, "to", 0, "end of the range (exclusive)")
	flags.IntVar(&f.step, "step", 0, "window size")
	flags.DurationVar(&f.interval, "interval", 0, "pause between windows")
	flags.DurationVar(&f.ttl, "ttl", 0, "freshness window for stored results")
	flags.StringToStringVar(&f.vars, "var", nil, "extra template variable as name=expression (repeatable)")
}

// merge applies explicitly set flags on top of the configured defaults.
func (f *batchFlags) merge(cmd *cobra.Command, cfg config.BatchConfig) config.BatchConfig {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if flags.Changed("template") {
		cfg.Template = f.template
		cfg.TemplateFile = ""
	}
	if flags.Changed("template-file") {
		cfg.TemplateFile = f.templateFile
		if !flags.Changed("template") {
			cfg.Template = ""
		}
	}
	if flags.Changed("from") {
		cfg.From = f.from
	}
	if flags.Changed("to") {
		cfg.To = f.to
	}
	if flags.Changed("step") {
		cfg.Step = f.step
	}
	if flags.Changed("interval") {
		cfg.Interval = f.interval.String()
	}
	if flags.Changed("ttl") {
		cfg.TTL = f.ttl.String()
	}
	if len(f.vars) > 0 {
		merged := make(map[string]string, len(cfg.Vars)+len(f.vars))
		for k, v := range cfg.Vars {
			merged[k] = v
		}
		for k, v := range f.vars {
			merged[k] = v
		}
		cfg.Vars = merged
	}
	if flags.Changed("output") {
		cfg.Output = f.output
	}
	return cfg
}

func planFor(renderer *templates.Renderer, cfg config.BatchConfig) (batch.Plan, error) {
	return batch.NewPlan(renderer, batch.PlanOptions{
		Endpoint:     cfg.Endpoint,
		Template:     cfg.Template,
		TemplateFile: cfg.TemplateFile,
		Vars:         cfg.Vars,
		From:         cfg.From,
		To:           cfg.To,
		Step:         cfg.Step,
	})
}

func printReport(w io.Writer) func(batch.Report) {
	return func(r batch.Report) {
		line := fmt.Sprintf("%-5s %s", r.Outcome, r.Range)
		if r.Rows > 0 {
			line += fmt.Sprintf(" rows=%d", r.Rows)
		}
		if r.Err != nil {
			line += ": " + r.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}

func printSummary(w io.Writer, s batch.Summary) {
	fmt.Fprintf(w, "ranges=%d ok=%d fail=%d error=%d\n", s.Total, s.OK, s.Failed, s.Errors)
}

func newPreloadCmd(opts *rootOptions) *cobra.Command {
	flags := &batchFlags{}
	cmd := &cobra.Command{
		Use:   "preload",
		Short: "Warm the cache for every window of a numeric range",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPreload(ctx, cmd, opts, flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.server, "server", "", "base URL of a running sparqlcache to preload through instead of the local store")
	return cmd
}

func runPreload(ctx context.Context, cmd *cobra.Command, opts *rootOptions, flags *batchFlags) error {
	_, cfg, logger, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	bcfg := flags.merge(cmd, cfg.Batch)

	var (
		target   batch.Populator
		renderer *templates.Renderer
	)
	if strings.TrimSpace(flags.server) != "" {
		remote, err := batch.NewRemote(flags.server, nil)
		if err != nil {
			return err
		}
		target = remote
		renderer = buildRenderer(logger, cfg.Server.Templates)
	} else {
		a, err := buildApp(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(context.Background()) }()
		target = a.service
		renderer = a.renderer
	}

	plan, err := planFor(renderer, bcfg)
	if err != nil {
		return err
	}
	driver := batch.NewDriver(batch.DriverOptions{
		Interval: config.Duration(bcfg.Interval),
		TTL:      config.Duration(bcfg.TTL),
		Logger:   logger,
	})
	out := cmd.OutOrStdout()
	summary, err := driver.Preload(ctx, plan, target, printReport(out))
	printSummary(out, summary)
	return err
}

func newDumpCmd(opts *rootOptions) *cobra.Command {
	flags := &batchFlags{}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Query every window of a numeric range and write the combined bindings as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDump(ctx, cmd, opts, flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "output file, - for stdout (default "+defaultDumpOutput+")")
	cmd.Flags().StringVar(&flags.server, "server", "", "base URL of a running sparqlcache to query through instead of the local store")
	return cmd
}

func runDump(ctx context.Context, cmd *cobra.Command, opts *rootOptions, flags *batchFlags) error {
	_, cfg, logger, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	bcfg := flags.merge(cmd, cfg.Batch)

	var (
		source   batch.Querier
		renderer *templates.Renderer
	)
	if strings.TrimSpace(flags.server) != "" {
		remote, err := batch.NewRemote(flags.server, nil)
		if err != nil {
			return err
		}
		source = remote
		renderer = buildRenderer(logger, cfg.Server.Templates)
	} else {
		a, err := buildApp(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close(context.Background()) }()
		source = a.service
		renderer = a.renderer
	}

	plan, err := planFor(renderer, bcfg)
	if err != nil {
		return err
	}
	driver := batch.NewDriver(batch.DriverOptions{
		Interval: config.Duration(bcfg.Interval),
		TTL:      config.Duration(bcfg.TTL),
		Logger:   logger,
	})
	progress := cmd.ErrOrStderr()
	rows, summary, err := driver.Dump(ctx, plan, source, printReport(progress))
	printSummary(progress, summary)
	if err != nil {
		return err
	}
	return writeDump(cmd.OutOrStdout(), bcfg.Output, rows)
}

func writeDump(stdout io.Writer, output string, rows []batch.Binding) error {
	output = strings.TrimSpace(output)
	if output == "" {
		output = defaultDumpOutput
	}
	if output == "-" {
		return batch.WriteBindings(stdout, rows)
	}
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := batch.WriteBindings(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d bindings to %s\n", len(rows), output)
	return nil
}
