package cli

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"reid/internal/config"
	"reid/internal/export"
	"reid/internal/models"
	"reid/internal/storage"
	"reid/internal/tasks"
)

type stubLinear struct {
	mu    sync.Mutex
	calls []tasks.LinearRequest
	fail  map[string]bool // subject -> fail
}

func (s *stubLinear) Name() string { return "stub-flirt" }

func (s *stubLinear) Register(ctx context.Context, req tasks.LinearRequest) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	subject := filepath.Base(filepath.Dir(req.Moving))
	if s.fail[subject] {
		return fmt.Errorf("flirt exited 1 for %s", subject)
	}
	if err := os.WriteFile(req.OutVolume, []byte("reg"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(req.OutMatrix, []byte("1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"), 0o644)
}

func (s *stubLinear) MeasureCost(ctx context.Context, moving, reference, matrix string) (float64, error) {
	return 0.25, nil
}

type stubNonlinear struct{}

func (stubNonlinear) Name() string { return "stub-fnirt" }

func (stubNonlinear) Warp(ctx context.Context, req tasks.NonlinearRequest) error {
	if err := os.WriteFile(req.OutWarped, []byte("warp"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(req.OutField, []byte("field"), 0o644)
}

type stubStripper struct{}

func (stubStripper) Name() string { return "stub-bet" }

func (stubStripper) Strip(ctx context.Context, in, out string) error {
	return os.WriteFile(out, []byte("brain"), 0o644)
}

// stubReader returns a small volume whose intensities depend on the file.
type stubReader struct{}

func (stubReader) ReadVolume(ctx context.Context, path string) (models.Volume, error) {
	if _, err := os.Stat(path); err != nil {
		return models.Volume{}, err
	}
	seed := float64(len(filepath.Base(filepath.Dir(path))))
	data := make([]float64, 64)
	for i := range data {
		data[i] = float64(i%8) + seed*float64(i%3)
	}
	return models.Volume{Data: data, Width: 4, Height: 4, Depth: 4}, nil
}

type stubChecker map[string]tasks.ToolStatus

func (s stubChecker) GetToolStatus() map[string]tasks.ToolStatus { return s }

func (s stubChecker) Require(names ...string) error {
	for _, n := range names {
		if st, ok := s[n]; ok && !st.Available {
			return fmt.Errorf("required tools not found in PATH: %s", n)
		}
	}
	return nil
}

type stubPutter struct {
	mu   sync.Mutex
	keys []string
	body map[string][]byte
}

func (p *stubPutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, *in.Key)
	p.body[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

type testEnv struct {
	root   *Root
	out    *bytes.Buffer
	cfg    *config.Config
	store  *storage.Store
	linear *stubLinear
	putter *stubPutter
}

func newTestRoot(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadFile(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Paths.DicomDir = filepath.Join(dir, "dicom")
	cfg.Paths.RawDir = filepath.Join(dir, "raw")
	cfg.Paths.SkullStrippedDir = filepath.Join(dir, "ss")
	cfg.Paths.TargetDir = filepath.Join(dir, "target")
	cfg.Anonymize.MappingFile = filepath.Join(dir, "mapping.csv")
	cfg.Metrics.Textfile = ""
	cfg.Export.Bucket = "scores"
	cfg.Export.Prefix = "runs"

	store, err := storage.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root, err := NewRoot(cfg, logger, store, nil)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		root:   root,
		out:    &bytes.Buffer{},
		cfg:    cfg,
		store:  store,
		linear: &stubLinear{fail: map[string]bool{}},
		putter: &stubPutter{body: map[string][]byte{}},
	}
	root.out = env.out
	root.toolsFactory = func(*Root) toolset {
		return toolset{
			Stripper:  stubStripper{},
			Linear:    env.linear,
			Nonlinear: stubNonlinear{},
			Reader:    stubReader{},
			Cost:      env.linear,
		}
	}
	root.checkFactory = func(*config.Config) toolChecker {
		return stubChecker{
			tasks.ToolBET:      {Available: true, Version: "6.0", Path: "/usr/bin/bet"},
			tasks.ToolDcm2niix: {Available: false, Error: errors.New("not found")},
		}
	}
	root.putterFactory = func(context.Context, config.Export) (export.Putter, error) {
		return env.putter, nil
	}
	return env
}

func (e *testEnv) run(args ...string) error {
	cmd := NewRootCmd(e.root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// seed creates a target scan and skull-stripped T1 scans for subjects.
func (e *testEnv) seed(t *testing.T, target string, subjects ...string) {
	t.Helper()
	touch(t, filepath.Join(e.cfg.Paths.TargetDir, target, "MPRAGE.nii.gz"))
	for _, s := range subjects {
		touch(t, filepath.Join(e.cfg.Paths.SkullStrippedDir, s, "MPRAGE.nii.gz"))
	}
}

func TestRegisterEvaluateAndQueryResults(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "T", "001", "002")

	if err := env.run("register", "T", "--cost", "leastsq", "--nonlinear"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(env.linear.calls) != 2 {
		t.Fatalf("flirt calls = %d, want 2", len(env.linear.calls))
	}
	for _, c := range env.linear.calls {
		if c.Cost != "leastsq" {
			t.Fatalf("cost = %q", c.Cost)
		}
	}
	warped := filepath.Join(env.cfg.Paths.TargetDir, "T", "Realigned", "NonlinearSSD", "001")
	if _, err := os.Stat(warped); err != nil {
		t.Fatalf("nonlinear output missing: %v", err)
	}

	if err := env.run("evaluate", "T", "--cost-estimate"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.TargetDir, "T", "Realigned", "results.csv")); err != nil {
		t.Fatalf("results.csv missing: %v", err)
	}

	env.out.Reset()
	if err := env.run("results", "T", "--subject", "002", "--metric", "Cost Estimate"); err != nil {
		t.Fatalf("results: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(env.out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("results output:\n%s", env.out.String())
	}
	if !strings.HasPrefix(lines[1], "002,Least Squares,Cost Estimate,0.25") {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestRegisterSecondRunSkips(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "T", "001")

	for i := 0; i < 2; i++ {
		if err := env.run("register", "T", "--cost", "Mutual Information"); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(env.linear.calls) != 1 {
		t.Fatalf("flirt ran %d times, want 1", len(env.linear.calls))
	}
	if !strings.Contains(env.out.String(), "skipped=1") {
		t.Fatalf("second run not reported as skipped:\n%s", env.out.String())
	}
}

func TestRegisterReportsSubjectFailures(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "T", "001", "002")
	env.linear.fail["002"] = true

	err := env.run("register", "T", "--cost", "corratio")
	if !errors.Is(err, ErrSubjectsFailed) {
		t.Fatalf("err = %v, want ErrSubjectsFailed", err)
	}
	if !strings.Contains(env.out.String(), "002") {
		t.Fatalf("failed subject not listed:\n%s", env.out.String())
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.TargetDir, "T", "Realigned", "CorrelationRatio", "002")); !os.IsNotExist(err) {
		t.Fatalf("failed subject dir left behind: %v", err)
	}
}

func TestRegisterRejectsUnknownCostFunction(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "T", "001")
	if err := env.run("register", "T", "--cost", "nope"); err == nil {
		t.Fatal("expected error for unknown cost function")
	}
	if len(env.linear.calls) != 0 {
		t.Fatal("registration ran despite invalid cost function")
	}
}

func TestRunsListsLedger(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "T", "001")
	if err := env.run("register", "T", "--cost", "leastsq"); err != nil {
		t.Fatal(err)
	}

	runs, err := env.store.RecentRuns(10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, err %v", runs, err)
	}

	env.out.Reset()
	if err := env.run("runs"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.out.String(), runs[0].ID) || !strings.Contains(env.out.String(), "LeastSquares") {
		t.Fatalf("runs output:\n%s", env.out.String())
	}

	env.out.Reset()
	if err := env.run("runs", runs[0].ID); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.out.String(), "001") || !strings.Contains(env.out.String(), "done") {
		t.Fatalf("outcomes output:\n%s", env.out.String())
	}
}

func TestSkullStripCommand(t *testing.T) {
	env := newTestRoot(t)
	touch(t, filepath.Join(env.cfg.Paths.RawDir, "001", "T1_MPRAGE.nii.gz"))

	if err := env.run("skullstrip"); err != nil {
		t.Fatalf("skullstrip: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(env.cfg.Paths.SkullStrippedDir, "001"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("skull-stripped outputs = %v, err %v", entries, err)
	}
}

func TestToolsAndVersion(t *testing.T) {
	env := newTestRoot(t)
	if err := env.run("tools"); err != nil {
		t.Fatal(err)
	}
	out := env.out.String()
	if !strings.Contains(out, tasks.ToolBET) || !strings.Contains(out, "available") || !strings.Contains(out, "missing") {
		t.Fatalf("tools output:\n%s", out)
	}

	env.out.Reset()
	if err := env.run("version"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.out.String(), "reid "+Version) {
		t.Fatalf("version output:\n%s", env.out.String())
	}
}

func TestConfigShowAndValidate(t *testing.T) {
	env := newTestRoot(t)
	if err := env.run("config", "show"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(env.out.String(), env.cfg.Paths.TargetDir) {
		t.Fatalf("config show output:\n%s", env.out.String())
	}
	if err := env.run("config", "validate"); err != nil {
		t.Fatal(err)
	}

	env.cfg.Evaluation.Bins = 1
	if err := env.run("config", "validate"); err == nil {
		t.Fatal("expected validation error for bins=1")
	}
}

func TestExportUploadsCompressedArtifacts(t *testing.T) {
	env := newTestRoot(t)
	env.seed(t, "T", "001")
	if err := env.run("register", "T", "--cost", "leastsq"); err != nil {
		t.Fatal(err)
	}
	if err := env.run("evaluate", "T"); err != nil {
		t.Fatal(err)
	}
	if err := env.run("export", "T"); err != nil {
		t.Fatalf("export: %v", err)
	}

	key := "runs/T/Realigned/results.csv.gz"
	body, ok := env.putter.body[key]
	if !ok {
		t.Fatalf("no object %s among %v", key, env.putter.keys)
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	csv, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(csv), "001,Least Squares,Mutual Information") {
		t.Fatalf("exported results:\n%s", csv)
	}
}

func TestResultsMissingTarget(t *testing.T) {
	env := newTestRoot(t)
	if err := env.run("results", "nobody"); err == nil {
		t.Fatal("expected error for target without results")
	}
}

func TestConvertRequiresDcm2niix(t *testing.T) {
	env := newTestRoot(t)
	err := env.run("convert")
	if err == nil || !strings.Contains(err.Error(), tasks.ToolDcm2niix) {
		t.Fatalf("err = %v, want missing dcm2niix", err)
	}
	if _, statErr := os.Stat(env.cfg.Paths.RawDir); !os.IsNotExist(statErr) {
		t.Fatalf("raw dir created despite failed preflight: %v", statErr)
	}
}
