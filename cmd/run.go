package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contract-toolkit/internal/auth"
	"github.com/sells-group/contract-toolkit/internal/config"
	"github.com/sells-group/contract-toolkit/internal/keysource"
	"github.com/sells-group/contract-toolkit/internal/model"
	"github.com/sells-group/contract-toolkit/internal/resilience"
	"github.com/sells-group/contract-toolkit/internal/sink"
	"github.com/sells-group/contract-toolkit/internal/store"
	"github.com/sells-group/contract-toolkit/internal/workflow"
	"github.com/sells-group/contract-toolkit/pkg/contractapi"
)

type runOptions struct {
	Input   string
	Output  string
	Format  string
	Workers int
	Timeout time.Duration
	DryRun  bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow over every key in an input file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		_, err := runWorkflow(ctx, cfg, args[0], runOpts, os.Stdout)
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runOpts.Input, "input", "", "key file (default from workflows.<name>.input)")
	runCmd.Flags().StringVar(&runOpts.Output, "output", "", "result file (default from workflows.<name>.output)")
	runCmd.Flags().StringVar(&runOpts.Format, "format", "", "result format: xlsx, csv or parquet")
	runCmd.Flags().IntVar(&runOpts.Workers, "workers", 0, "max concurrent entities (default from config)")
	runCmd.Flags().DurationVar(&runOpts.Timeout, "timeout", 0, "per-entity time budget (default from config)")
	runCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "load keys and print the plan without calling the API")
	rootCmd.AddCommand(runCmd)
}

// runReport is what a finished run produced.
type runReport struct {
	RunID   string
	Keys    int
	Output  string
	Summary workflow.Summary
}

// runWorkflow executes the named workflow end to end. Per-entity failures
// are part of the result; the returned error covers run-level failures only:
// unknown workflow, unreadable input, rejected credentials and an unwritable
// destination. Credentials rejected mid-run still leave every outcome
// written and recorded before the error is returned.
func runWorkflow(ctx context.Context, c *config.Config, name string, opts runOptions, out io.Writer) (*runReport, error) {
	name = strings.ToLower(name)
	wf := c.Workflow(name)
	log := zap.L().With(zap.String("workflow", name))

	p, err := resolvePipeline(c, name)
	if err != nil {
		return nil, err
	}

	input := firstNonEmpty(opts.Input, wf.Input)
	if input == "" {
		return nil, eris.Errorf("run %s: no input file (use --input or workflows.%s.input)", name, name)
	}
	format, err := resolveFormat(opts.Format, wf.Format, firstNonEmpty(opts.Output, wf.Output))
	if err != nil {
		return nil, err
	}
	output := sink.OutputPath(firstNonEmpty(opts.Output, wf.Output, filepath.Join("output", name)), format)

	keys, err := keysource.Load(ctx, input, p.KeyColumns...)
	if err != nil {
		return nil, eris.Wrap(err, "load keys")
	}
	report := &runReport{Keys: len(keys), Output: output}

	if opts.DryRun {
		formatPlan(out, p, input, output, format, len(keys))
		return report, nil
	}

	tokens := auth.NewTokenSource(auth.Credentials{
		TokenURL:     c.API.TokenURL,
		ClientID:     c.API.ClientID,
		ClientSecret: c.API.ClientSecret,
		DefaultTTL:   time.Duration(c.API.TokenTTLSecs) * time.Second,
		Margin:       time.Duration(c.API.TokenMarginSecs) * time.Second,
	})
	if _, err := tokens.Token(ctx); err != nil {
		return nil, eris.Wrap(err, "verify credentials")
	}

	client := newAPIClient(c, tokens)
	runner := workflow.NewRunner(client,
		workflow.WithWorkers(firstPositive(opts.Workers, wf.MaxWorkers, c.Batch.MaxWorkers)),
		workflow.WithTaskTimeout(firstPositiveDuration(opts.Timeout, c.Batch.TaskTimeout())),
		workflow.WithProgressEvery(c.Batch.ProgressEvery),
	)

	st, err := store.Open(ctx, c.Store)
	if err != nil {
		log.Warn("run history unavailable, continuing without it", zap.Error(err))
		st = store.Nop{}
	}
	defer st.Close() //nolint:errcheck

	run, err := st.CreateRun(ctx, name, input)
	if err != nil {
		log.Warn("record run start failed", zap.Error(err))
		run = &store.Run{}
	}
	report.RunID = run.ID

	results, summary := runner.Run(ctx, p, keys)
	report.Summary = summary

	// Persistence uses a fresh context so an interrupted run is still recorded.
	persistCtx := context.WithoutCancel(ctx)
	if run.ID != "" {
		if err := st.SaveOutcomes(persistCtx, run.ID, results.Sorted()); err != nil {
			log.Warn("save outcomes failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	written, werr := sink.Write(results, p.Schema(), output, format)
	if werr != nil {
		written = ""
	}
	report.Output = written

	if run.ID != "" {
		status, rs := storeSummary(summary, written, werr)
		if err := st.FinishRun(persistCtx, run.ID, status, rs); err != nil {
			log.Warn("record run finish failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	formatSummary(out, summary, p.StageNames(), written)

	switch {
	case summary.Err != nil:
		if werr != nil && !errors.Is(werr, sink.ErrEmptyTable) {
			log.Error("write results failed", zap.String("output", output), zap.Error(werr))
		}
		return report, eris.Wrapf(summary.Err, "run aborted (%d outcomes computed)", results.Len())
	case werr == nil:
		return report, nil
	case errors.Is(werr, sink.ErrEmptyTable):
		log.Warn("no results to write", zap.String("output", output))
		return report, nil
	default:
		return report, eris.Wrapf(werr, "write results (%d outcomes computed)", results.Len())
	}
}

// resolvePipeline finds the named definition and compiles it against the
// workflow's configured endpoints and vars.
func resolvePipeline(c *config.Config, name string) (*workflow.Pipeline, error) {
	defs, err := workflow.LoadDefinitions(c.WorkflowsDir)
	if err != nil {
		return nil, err
	}
	def, ok := defs[name]
	if !ok {
		return nil, eris.Errorf("unknown workflow %q (available: %s)", name, strings.Join(workflow.Names(defs), ", "))
	}
	return compileDefinition(c, def)
}

// compileDefinition binds d to the endpoints, vars and key column override
// configured for its workflow.
func compileDefinition(c *config.Config, d *workflow.Definition) (*workflow.Pipeline, error) {
	wf := c.Workflow(d.Name)
	return workflow.Compile(d, workflow.Env{
		Endpoints:  wf.Endpoints,
		Vars:       wf.Vars,
		KeyColumns: wf.KeyColumns,
	})
}

func newAPIClient(c *config.Config, tokens contractapi.TokenProvider) *contractapi.Client {
	opts := []contractapi.Option{
		contractapi.WithTimeout(c.API.Timeout()),
		contractapi.WithRetryPolicy(resilience.PolicyFromConfig(c.Retry)),
	}
	if c.API.RateLimit > 0 {
		opts = append(opts, contractapi.WithRateLimit(c.API.RateLimit, c.API.RateBurst))
	}
	if bc, ok := resilience.BreakerFromConfig(c.Breaker); ok {
		opts = append(opts, contractapi.WithBreakers(resilience.NewHostBreakers(bc)))
	}
	return contractapi.NewClient(tokens, opts...)
}

// resolveFormat picks the flag, then the workflow config, then the output
// extension, then xlsx.
func resolveFormat(flag, configured, output string) (sink.Format, error) {
	if s := firstNonEmpty(flag, configured); s != "" {
		return sink.ParseFormat(s)
	}
	if filepath.Ext(output) != "" {
		if f, err := sink.FormatFromPath(output); err == nil {
			return f, nil
		}
	}
	return sink.FormatXLSX, nil
}

func storeSummary(s workflow.Summary, output string, werr error) (store.RunStatus, store.RunSummary) {
	rs := store.RunSummary{
		Keys:      s.Keys,
		Outcomes:  s.Outcomes,
		Counts:    make(map[string]int, len(s.Counts)),
		TimedOut:  s.TimedOut,
		ElapsedMs: s.Elapsed.Milliseconds(),
		Output:    output,
	}
	for st, n := range s.Counts {
		rs.Counts[string(st)] = n
	}
	switch {
	case s.Err != nil:
		rs.Error = s.Err.Error()
		return store.RunStatusFailed, rs
	case werr != nil && !errors.Is(werr, sink.ErrEmptyTable):
		rs.Error = werr.Error()
		return store.RunStatusFailed, rs
	}
	return store.RunStatusComplete, rs
}

// formatPlan writes what a run would do.
func formatPlan(out io.Writer, p *workflow.Pipeline, input, output string, format sink.Format, keys int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Workflow:\t%s\n", p.Name)
	_, _ = fmt.Fprintf(w, "Input:\t%s\n", input)
	_, _ = fmt.Fprintf(w, "Keys:\t%d (%s)\n", keys, strings.Join(p.KeyColumns, ", "))
	_, _ = fmt.Fprintf(w, "Output:\t%s (%s)\n", output, format)
	for i, s := range p.Stages {
		src := ""
		if s.From != "" {
			src = " from " + s.From
		}
		_, _ = fmt.Fprintf(w, "Stage %d:\t%s %s %s%s\n", i+1, s.Name, s.Method, s.Mode, src)
	}
	_ = w.Flush()
}

// formatSummary writes per-stage status counts and totals.
func formatSummary(out io.Writer, s workflow.Summary, stages []string, output string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Workflow:\t%s\n", s.Workflow)
	_, _ = fmt.Fprintf(w, "Keys:\t%d\n", s.Keys)
	_, _ = fmt.Fprintf(w, "Outcomes:\t%d\n", s.Outcomes)
	if s.TimedOut > 0 {
		_, _ = fmt.Fprintf(w, "Timed out:\t%d\n", s.TimedOut)
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", s.Elapsed.Round(time.Millisecond))
	if output != "" {
		_, _ = fmt.Fprintf(w, "Output:\t%s\n", output)
	}
	if s.Err != nil {
		_, _ = fmt.Fprintf(w, "Aborted:\t%v\n", s.Err)
	}
	_ = w.Flush()

	formatStageCounts(out, stages, s.ByStage)
}

// formatStageCounts writes one line per stage, in the given order, with its
// status counts.
func formatStageCounts(out io.Writer, stages []string, counts model.StageCounts) {
	if len(stages) == 0 {
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := []string{"STAGE"}
	for _, st := range model.Statuses {
		header = append(header, strings.ToUpper(string(st)))
	}
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, stage := range stages {
		cells := []string{stage}
		for _, st := range model.Statuses {
			cells = append(cells, fmt.Sprint(counts[stage][st]))
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
