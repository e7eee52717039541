package layout

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"reid/internal/errs"
)

func newTestResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	conv := DefaultConventions(
		filepath.Join(root, "raw"),
		filepath.Join(root, "stripped"),
		filepath.Join(root, "target"),
	)
	r, err := NewResolver(conv)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return r, root
}

func TestCostFunctionDirsDistinctAndRoundTrip(t *testing.T) {
	r, root := newTestResolver(t)
	seen := map[string]bool{}
	for _, cf := range DefaultCostFunctions() {
		dir := r.CostFunctionDir("T01", cf)
		if seen[dir] {
			t.Fatalf("duplicate directory %s", dir)
		}
		seen[dir] = true

		want := filepath.Join(root, "target", "T01", "Realigned", cf.DirName())
		if dir != want {
			t.Fatalf("CostFunctionDir(%s) = %s, want %s", cf.Name, dir, want)
		}
		back, ok := r.CostFunctionByDir(cf.DirName())
		if !ok || back != cf {
			t.Fatalf("round trip failed for %s: got %v", cf.Name, back)
		}
	}
	if len(seen) != 6 {
		t.Fatalf("expected 6 directories, got %d", len(seen))
	}
}

func TestDirNameStripsOnlySpaces(t *testing.T) {
	if got := NormalizedCorrelation.DirName(); got != "NormalizedCorrelation" {
		t.Fatalf("got %q", got)
	}
	if got := BoundaryBasedRegistration.DirName(); got != "Boundary-BasedRegistration" {
		t.Fatalf("got %q", got)
	}
}

func TestParseCostFunction(t *testing.T) {
	r, _ := newTestResolver(t)
	for _, in := range []string{"Normalized Mutual Information", "NormalizedMutualInformation", "normmi", " NORMMI "} {
		cf, err := r.ParseCostFunction(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if cf != NormalizedMutualInformation {
			t.Fatalf("parse %q = %v", in, cf)
		}
	}
	if _, err := r.ParseCostFunction("ssd"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewResolverRejectsCollidingNames(t *testing.T) {
	conv := DefaultConventions("r", "s", "t")
	conv.CostFunctions = append(conv.CostFunctions, CostFunction{Name: "NormalizedCorrelation", Code: "other"})
	if _, err := NewResolver(conv); err == nil {
		t.Fatalf("expected collision error")
	}
}

func TestTargetScan(t *testing.T) {
	r, root := newTestResolver(t)
	if _, err := r.TargetScan("T01"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	dir := filepath.Join(root, "target", "T01")
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "MPRAGE.nii.gz"), []byte("x"), 0o644)
	got, err := r.TargetScan("T01")
	if err != nil {
		t.Fatalf("target scan: %v", err)
	}
	if got != filepath.Join(dir, "MPRAGE.nii.gz") {
		t.Fatalf("got %s", got)
	}
}

func TestOutputsDeriveFromScanName(t *testing.T) {
	r, _ := newTestResolver(t)
	vol, mat := r.LinearOutputs("/res", "/in/001/MPRAGE_1mm.nii.gz")
	if vol != "/res/MPRAGE_1mm.nii.gz" || mat != "/res/MPRAGE_1mm.mat" {
		t.Fatalf("linear outputs %s %s", vol, mat)
	}
	warped, field := r.NonlinearOutputs("/res", "/in/001/MPRAGE_1mm.nii.gz")
	if warped != "/res/MPRAGE_1mm_warped.nii.gz" || field != "/res/MPRAGE_1mm_field.nii.gz" {
		t.Fatalf("nonlinear outputs %s %s", warped, field)
	}
}

func TestRegisteredVolumePrefersLinearOutput(t *testing.T) {
	r, _ := newTestResolver(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a_field.nii.gz"), nil, 0o644)
	os.WriteFile(filepath.Join(dir, "a_warped.nii.gz"), nil, 0o644)
	got, err := r.RegisteredVolume(dir)
	if err != nil || filepath.Base(got) != "a_warped.nii.gz" {
		t.Fatalf("got %s err %v", got, err)
	}
	os.WriteFile(filepath.Join(dir, "b.nii.gz"), nil, 0o644)
	got, _ = r.RegisteredVolume(dir)
	if filepath.Base(got) != "b.nii.gz" {
		t.Fatalf("expected linear output, got %s", got)
	}
}

func TestScoreAndResultsFiles(t *testing.T) {
	r, root := newTestResolver(t)
	mi, err := r.ScoreFile("T01", LeastSquares, MetricMutualInformation)
	if err != nil {
		t.Fatal(err)
	}
	if mi != filepath.Join(root, "target", "T01", "Realigned", "LeastSquares", "mutual_information.json") {
		t.Fatalf("mi score file %s", mi)
	}
	if _, err := r.ScoreFile("T01", LeastSquares, "Bogus"); err == nil {
		t.Fatalf("expected unknown metric error")
	}
	if got := r.ResultsFile("T01"); got != filepath.Join(root, "target", "T01", "Realigned", "results.csv") {
		t.Fatalf("results file %s", got)
	}
	if got := r.SkullStrippedPath("/x/raw/001/MPRAGE.nii.gz"); got != filepath.Join(root, "stripped", "001", "MPRAGE.nii.gz") {
		t.Fatalf("skull stripped path %s", got)
	}
}
