package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"reid/internal/anonymize"
	"reid/internal/config"
	"reid/internal/evaluate"
	"reid/internal/export"
	"reid/internal/ingest"
	"reid/internal/layout"
	"reid/internal/logging"
	"reid/internal/metrics"
	"reid/internal/pipeline"
	"reid/internal/server"
	"reid/internal/storage"
	"reid/internal/tasks"
)

// ErrSubjectsFailed is returned when a batch finished but some subjects
// failed or were owned by another run. The process exits non-zero.
var ErrSubjectsFailed = errors.New("one or more subjects failed")

// Version is set at build time.
var Version = "dev"

// toolset is the set of external tool wrappers a command may use.
type toolset struct {
	Stripper  tasks.SkullStripper
	Linear    tasks.LinearRegistrar
	Nonlinear tasks.NonlinearRegistrar
	Converter tasks.SeriesConverter
	Reader    tasks.VolumeReader
	Cost      tasks.CostMeasurer
}

type toolChecker interface {
	GetToolStatus() map[string]tasks.ToolStatus
	Require(names ...string) error
}

type (
	toolsetFunc func(r *Root) toolset
	checkerFunc func(*config.Config) toolChecker
	putterFunc  func(ctx context.Context, cfg config.Export) (export.Putter, error)
	serveFunc   func(ctx context.Context, s *server.Server) error
)

// Root wires CLI commands to the stages.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	metrics  *metrics.Recorder
	resolver *layout.Resolver
	out      io.Writer

	toolsFactory  toolsetFunc
	checkFactory  checkerFunc
	putterFactory putterFunc
	serveFn       serveFunc

	runner *pipeline.Runner
}

// NewRoot builds the CLI root. store and recorder may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, recorder *metrics.Recorder) (*Root, error) {
	resolver, err := layout.NewResolver(layout.FromConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Root{
		cfg:           cfg,
		log:           logger,
		store:         store,
		metrics:       recorder,
		resolver:      resolver,
		out:           os.Stdout,
		toolsFactory:  execTools,
		checkFactory:  func(cfg *config.Config) toolChecker { return tasks.NewToolManager(cfg) },
		putterFactory: s3Putter,
		serveFn:       func(ctx context.Context, s *server.Server) error { return s.Start(ctx) },
	}, nil
}

func s3Putter(ctx context.Context, cfg config.Export) (export.Putter, error) {
	client, err := export.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// execTools wraps the real binaries behind one timeout-bounded commander.
func execTools(r *Root) toolset {
	cmd := tasks.NewExecCommander(r.cfg.ToolTimeout(), r.log)
	cmd.Observe = r.metrics.ObserveTool
	flirt := tasks.NewFLIRTProcessor(cmd, r.cfg.Tools)
	return toolset{
		Stripper:  tasks.NewBETProcessor(cmd, r.cfg.Tools),
		Linear:    flirt,
		Nonlinear: tasks.NewFNIRTProcessor(cmd, r.cfg.Tools),
		Converter: tasks.NewDcm2niixProcessor(cmd, r.cfg.Tools),
		Reader:    tasks.NewFSLVolumeReader(cmd, r.cfg.Tools),
		Cost:      flirt,
	}
}

// Runner returns the shared stage runner, building it on first use.
func (r *Root) Runner() *pipeline.Runner {
	if r.runner != nil {
		return r.runner
	}
	tools := r.toolsFactory(r)
	r.runner = pipeline.New(r.resolver, r.log, r.store, r.metrics)
	r.runner.Stripper = tools.Stripper
	r.runner.Linear = tools.Linear
	r.runner.Nonlinear = tools.Nonlinear
	r.runner.Converter = tools.Converter
	return r.runner
}

func (r *Root) evaluator(force bool) *evaluate.Evaluator {
	tools := r.toolsFactory(r)
	e := evaluate.New(r.resolver, tools.Reader, tools.Cost, r.log)
	e.Bins = r.cfg.Evaluation.Bins
	e.Force = force || r.cfg.Evaluation.Force
	e.Observer = r.metrics
	return e
}

// preflight fails before any directory is touched when a tool is missing.
func (r *Root) preflight(names ...string) error {
	return r.checkFactory(r.cfg).Require(names...)
}

// Finish flushes the metrics textfile. It runs after every command.
func (r *Root) Finish() error {
	return r.metrics.WriteTextfile(r.cfg.Metrics.Textfile)
}

// report prints a run summary and maps subject failures to ErrSubjectsFailed.
func (r *Root) report(rep pipeline.Report, err error) error {
	if rep.RunID != "" {
		counts := rep.Counts()
		fmt.Fprintf(r.out, "%s run %s: %s\n", rep.Stage, rep.RunID, formatCounts(counts))
		for _, o := range rep.Outcomes {
			if o.Status == pipeline.StatusFailed || o.Status == pipeline.StatusConflict {
				fmt.Fprintf(r.out, "  %-10s %-8s %v\n", o.Subject, o.Status, o.Err)
			}
		}
		if len(rep.Selection.Missing) > 0 {
			fmt.Fprintf(r.out, "  no scan for: %s\n", strings.Join(rep.Selection.Missing, ", "))
		}
	}
	if err != nil {
		return err
	}
	if rep.Failed() {
		return ErrSubjectsFailed
	}
	return nil
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "no subjects"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func (r *Root) cmdConvert(ctx context.Context, dicomRoot, outRoot string) error {
	if err := r.preflight(tasks.ToolDcm2niix); err != nil {
		return err
	}
	return r.report(r.Runner().Convert(ctx, dicomRoot, outRoot))
}

func (r *Root) cmdSkullStrip(ctx context.Context) error {
	if err := r.preflight(tasks.ToolBET); err != nil {
		return err
	}
	return r.report(r.Runner().SkullStrip(ctx))
}

// cmdRegister runs the selected linear methods, then the nonlinear one if
// requested. Every method runs even if an earlier one had failures.
func (r *Root) cmdRegister(ctx context.Context, targetID string, costNames []string, nonlinear bool) error {
	var cfs []layout.CostFunction
	if len(costNames) == 0 {
		cfs = r.resolver.CostFunctions()
	}
	for _, name := range costNames {
		cf, err := r.resolver.ParseCostFunction(name)
		if err != nil {
			return err
		}
		cfs = append(cfs, cf)
	}

	required := []string{tasks.ToolFLIRT}
	if nonlinear {
		required = append(required, tasks.ToolFNIRT)
	}
	if err := r.preflight(required...); err != nil {
		return err
	}

	runner := r.Runner()
	var failed bool
	for _, cf := range cfs {
		err := r.report(runner.RegisterLinear(ctx, targetID, cf))
		switch {
		case errors.Is(err, ErrSubjectsFailed):
			failed = true
		case err != nil:
			return fmt.Errorf("%s: %w", cf.Name, err)
		}
	}
	if nonlinear {
		err := r.report(runner.RegisterNonlinear(ctx, targetID))
		switch {
		case errors.Is(err, ErrSubjectsFailed):
			failed = true
		case err != nil:
			return fmt.Errorf("nonlinear: %w", err)
		}
	}
	if failed {
		return ErrSubjectsFailed
	}
	return nil
}

// cmdEvaluate scores every cost function over its completed subjects,
// optionally estimates registration cost, and aggregates the table.
func (r *Root) cmdEvaluate(ctx context.Context, targetID string, force, withCost bool) error {
	if _, err := r.resolver.TargetScan(targetID); err != nil {
		return err
	}
	required := []string{tasks.ToolFSLInfo, tasks.ToolFSL2ASCII}
	if withCost {
		required = append(required, tasks.ToolFLIRT)
	}
	if err := r.preflight(required...); err != nil {
		return err
	}
	runner := r.Runner()
	e := r.evaluator(force)
	universe := func(cf layout.CostFunction) ([]string, error) {
		return runner.Completed(targetID, cf.DirName())
	}

	results, err := e.ScoreAll(ctx, targetID, universe)
	if err != nil {
		return err
	}
	if withCost {
		for _, cf := range r.resolver.CostFunctions() {
			subjects, err := universe(cf)
			if err != nil {
				return err
			}
			if len(subjects) == 0 {
				continue
			}
			res, err := e.EstimateCost(ctx, targetID, cf, subjects)
			if err != nil {
				return fmt.Errorf("%s: %w", cf.Name, err)
			}
			results = append(results, res)
		}
	}

	excluded := 0
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COST FUNCTION\tMETRIC\tSUBJECTS\tCOMPUTED\tKEPT\tEXCLUDED")
	for _, res := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", res.CostFunction.Name, res.Metric,
			len(res.Scores), len(res.Computed), len(res.Kept), len(res.Excluded))
		excluded += len(res.Excluded)
	}
	tw.Flush()

	if len(results) == 0 {
		fmt.Fprintln(r.out, "nothing to evaluate")
		return nil
	}
	if _, err := e.Aggregate(targetID); err != nil {
		return err
	}
	if excluded > 0 {
		r.log.Warn("subjects excluded from scoring", "target", targetID, "count", excluded)
	}
	return nil
}

func (r *Root) cmdAggregate(targetID string) error {
	table, err := r.evaluator(false).Aggregate(targetID)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%d rows written to %s\n", table.Len(), r.resolver.ResultsFile(targetID))
	return nil
}

func (r *Root) cmdResults(targetID, subject, costFunction, metric string) error {
	table, err := r.evaluator(false).LoadResults(targetID)
	if err != nil {
		return err
	}
	if costFunction != "" {
		cf, err := r.resolver.ParseCostFunction(costFunction)
		if err != nil {
			return err
		}
		costFunction = cf.Name
	}
	subset := evaluate.NewTable()
	for _, row := range table.Query(subject, costFunction, metric) {
		subset.Set(row.Key, row.Value)
	}
	return subset.WriteCSV(r.out)
}

func (r *Root) cmdAnonymize(ctx context.Context) error {
	a := &anonymize.Anonymizer{
		RawDir:      r.cfg.Paths.RawDir,
		TargetDir:   r.cfg.Paths.TargetDir,
		MappingFile: r.cfg.Anonymize.MappingFile,
		Length:      r.cfg.Anonymize.Length,
		Alphabet:    r.cfg.Anonymize.Alphabet,
		Logger:      r.log,
	}
	mapping, err := a.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "anonymized %d subjects; mapping written to %s\n", len(mapping), r.cfg.Anonymize.MappingFile)
	return nil
}

func (r *Root) cmdTools() error {
	status := r.checkFactory(r.cfg).GetToolStatus()
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSTATUS\tVERSION\tPATH")
	for _, name := range tasks.AllTools() {
		st := status[name]
		logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
		state := "missing"
		if st.Available {
			state = "available"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, state, st.Version, st.Path)
	}
	return tw.Flush()
}

func (r *Root) cmdRuns(runID string, limit int) error {
	if r.store == nil {
		return errors.New("run ledger is not configured")
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	if runID == "" {
		runs, err := r.store.RecentRuns(limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ID\tSTAGE\tTARGET\tMETHOD\tSTATUS\tSTARTED\tCOUNTS")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", run.ID, run.Stage, run.Target, run.Method,
				run.Status, run.StartedAt.Local().Format(time.DateTime), formatCounts(run.Counts))
		}
		return tw.Flush()
	}

	outs, err := r.store.Outcomes(runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "SUBJECT\tSTATUS\tDURATION\tERROR")
	for _, o := range outs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Subject, o.Status, time.Duration(o.DurationMS)*time.Millisecond, o.Error)
	}
	return tw.Flush()
}

func (r *Root) cmdConfigShow() error {
	data, err := r.cfg.YAML()
	if err != nil {
		return err
	}
	path, err := config.Path()
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "# config file: %s\n", path)
	_, err = r.out.Write(data)
	return err
}

func (r *Root) cmdServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = r.cfg.Server.Addr
	}
	s := server.NewServer(addr, r.resolver, r.store, r.Runner(), r.evaluator(false), r.metrics, r.log)
	return r.serveFn(ctx, s)
}

// cmdWatch converts each settled series into the raw tree.
func (r *Root) cmdWatch(ctx context.Context, dicomRoot string) error {
	if err := r.preflight(tasks.ToolDcm2niix); err != nil {
		return err
	}
	runner := r.Runner()
	outRoot := r.cfg.Paths.RawDir
	handle := func(ctx context.Context, seriesDir string) error {
		err := r.report(runner.ConvertSeries(ctx, seriesDir, outRoot))
		if ferr := r.Finish(); ferr != nil {
			r.log.Warn("metrics textfile write failed", "error", ferr)
		}
		return err
	}
	w, err := ingest.NewWatcher(dicomRoot, r.cfg.WatchDebounce(), handle, r.log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func (r *Root) cmdExport(ctx context.Context, targetID string) error {
	if r.cfg.Export.Bucket == "" {
		return errors.New("export.bucket is not configured")
	}
	client, err := r.putterFactory(ctx, r.cfg.Export)
	if err != nil {
		return err
	}
	e := &export.Exporter{
		Client:   client,
		Bucket:   r.cfg.Export.Bucket,
		Prefix:   r.cfg.Export.Prefix,
		Resolver: r.resolver,
		Logger:   r.log,
	}
	uploaded, err := e.Export(ctx, targetID)
	for _, u := range uploaded {
		fmt.Fprintf(r.out, "s3://%s/%s (%d bytes)\n", r.cfg.Export.Bucket, u.Key, u.Size)
	}
	return err
}
