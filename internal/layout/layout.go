// Package layout maps subjects, stages and cost functions to their
// canonical locations on disk.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reid/internal/config"
	"reid/internal/errs"
	"reid/internal/fsutil"
)

// Metric names used as the third key of the results table.
const (
	MetricMutualInformation = "Mutual Information"
	MetricCostEstimate      = "Cost Estimate"
)

// CostFunction is a registration similarity metric understood by flirt.
type CostFunction struct {
	Name string // display name, e.g. "Normalized Correlation"
	Code string // flirt -cost value
}

// DirName is the display name with spaces removed.
func (c CostFunction) DirName() string {
	return strings.ReplaceAll(c.Name, " ", "")
}

func (c CostFunction) String() string { return c.Name }

var (
	MutualInformation           = CostFunction{Name: "Mutual Information", Code: "mutualinfo"}
	CorrelationRatio            = CostFunction{Name: "Correlation Ratio", Code: "corratio"}
	NormalizedCorrelation       = CostFunction{Name: "Normalized Correlation", Code: "normcorr"}
	NormalizedMutualInformation = CostFunction{Name: "Normalized Mutual Information", Code: "normmi"}
	LeastSquares                = CostFunction{Name: "Least Squares", Code: "leastsq"}
	BoundaryBasedRegistration   = CostFunction{Name: "Boundary-Based Registration", Code: "bbr"}
)

// DefaultCostFunctions returns the six supported cost functions in a fixed order.
func DefaultCostFunctions() []CostFunction {
	return []CostFunction{
		MutualInformation,
		CorrelationRatio,
		NormalizedCorrelation,
		NormalizedMutualInformation,
		LeastSquares,
		BoundaryBasedRegistration,
	}
}

// Conventions is the immutable set of names and roots a Resolver works from.
// Tests substitute their own; nothing here reads globals.
type Conventions struct {
	RawDir           string
	SkullStrippedDir string
	TargetDir        string

	TargetFile    string
	RealignedDir  string
	NonlinearDir  string
	MIScoreFile   string
	CostScoreFile string
	ResultsFile   string
	VolumeExt     string

	CostFunctions []CostFunction
}

// DefaultConventions builds the standard conventions under the given roots.
func DefaultConventions(rawDir, skullStrippedDir, targetDir string) Conventions {
	return Conventions{
		RawDir:           rawDir,
		SkullStrippedDir: skullStrippedDir,
		TargetDir:        targetDir,
		TargetFile:       "MPRAGE.nii.gz",
		RealignedDir:     "Realigned",
		NonlinearDir:     "NonlinearSSD",
		MIScoreFile:      "mutual_information.json",
		CostScoreFile:    "cost.json",
		ResultsFile:      "results.csv",
		VolumeExt:        fsutil.VolumeExt,
		CostFunctions:    DefaultCostFunctions(),
	}
}

// FromConfig builds conventions from the loaded configuration.
func FromConfig(cfg *config.Config) Conventions {
	c := DefaultConventions(cfg.Paths.RawDir, cfg.Paths.SkullStrippedDir, cfg.Paths.TargetDir)
	cv := cfg.Conventions
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.TargetFile, cv.TargetFile)
	set(&c.RealignedDir, cv.RealignedDir)
	set(&c.NonlinearDir, cv.NonlinearDir)
	set(&c.MIScoreFile, cv.MIScoreFile)
	set(&c.CostScoreFile, cv.CostScoreFile)
	set(&c.ResultsFile, cv.ResultsFile)
	return c
}

// Resolver answers path questions for one set of conventions.
type Resolver struct {
	conv   Conventions
	byDir  map[string]CostFunction
	byName map[string]CostFunction
}

// NewResolver validates the cost-function table and returns a resolver.
// Two cost functions that collapse onto the same directory are rejected.
func NewResolver(conv Conventions) (*Resolver, error) {
	r := &Resolver{
		conv:   conv,
		byDir:  make(map[string]CostFunction, len(conv.CostFunctions)),
		byName: make(map[string]CostFunction, 3*len(conv.CostFunctions)),
	}
	for _, cf := range conv.CostFunctions {
		dir := cf.DirName()
		if prev, ok := r.byDir[dir]; ok {
			return nil, fmt.Errorf("cost functions %q and %q share directory %q", prev.Name, cf.Name, dir)
		}
		if dir == conv.NonlinearDir {
			return nil, fmt.Errorf("cost function %q collides with nonlinear directory %q", cf.Name, dir)
		}
		r.byDir[dir] = cf
		for _, key := range []string{cf.Name, dir, cf.Code} {
			r.byName[strings.ToLower(key)] = cf
		}
	}
	return r, nil
}

// Conventions returns the conventions the resolver was built with.
func (r *Resolver) Conventions() Conventions { return r.conv }

// CostFunctions returns the configured cost functions in order.
func (r *Resolver) CostFunctions() []CostFunction {
	return append([]CostFunction(nil), r.conv.CostFunctions...)
}

// CostFunctionByDir reverses DirName through the fixed table.
func (r *Resolver) CostFunctionByDir(dir string) (CostFunction, bool) {
	cf, ok := r.byDir[dir]
	return cf, ok
}

// ParseCostFunction accepts a display name, directory name or flirt code.
func (r *Resolver) ParseCostFunction(s string) (CostFunction, error) {
	cf, ok := r.byName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return CostFunction{}, fmt.Errorf("unknown cost function %q: %w", s, errs.ErrNotFound)
	}
	return cf, nil
}

// TargetDir is <target_root>/<targetID>.
func (r *Resolver) TargetDir(targetID string) string {
	return filepath.Join(r.conv.TargetDir, targetID)
}

// TargetScan returns the reference volume of targetID, or ErrNotFound.
func (r *Resolver) TargetScan(targetID string) (string, error) {
	path := filepath.Join(r.TargetDir(targetID), r.conv.TargetFile)
	if !fsutil.FileExists(path) {
		return "", fmt.Errorf("target scan %s: %w", path, errs.ErrNotFound)
	}
	return path, nil
}

// RealignedDir is <target_root>/<targetID>/Realigned.
func (r *Resolver) RealignedDir(targetID string) string {
	return filepath.Join(r.TargetDir(targetID), r.conv.RealignedDir)
}

// CostFunctionDir is <target_root>/<targetID>/Realigned/<cf without spaces>.
func (r *Resolver) CostFunctionDir(targetID string, cf CostFunction) string {
	return r.MethodDir(targetID, cf.DirName())
}

// MethodDir is the realigned directory of an arbitrary method, such as the
// nonlinear one.
func (r *Resolver) MethodDir(targetID, method string) string {
	return filepath.Join(r.RealignedDir(targetID), method)
}

// NonlinearDir is the realigned directory of the nonlinear method.
func (r *Resolver) NonlinearDir(targetID string) string {
	return r.MethodDir(targetID, r.conv.NonlinearDir)
}

// SubjectResultDir holds one subject's registration artifacts.
func (r *Resolver) SubjectResultDir(methodDir, subjectID string) string {
	return filepath.Join(methodDir, subjectID)
}

// LinearOutputs returns the registered volume and matrix paths for a scan.
func (r *Resolver) LinearOutputs(resultDir, scanPath string) (volume, matrix string) {
	base := fsutil.TrimVolumeExt(filepath.Base(scanPath))
	return filepath.Join(resultDir, base+r.conv.VolumeExt), filepath.Join(resultDir, base+".mat")
}

// NonlinearOutputs returns the warped volume and deformation field paths for a scan.
func (r *Resolver) NonlinearOutputs(resultDir, scanPath string) (warped, field string) {
	base := fsutil.TrimVolumeExt(filepath.Base(scanPath))
	return filepath.Join(resultDir, base+"_warped"+r.conv.VolumeExt),
		filepath.Join(resultDir, base+"_field"+r.conv.VolumeExt)
}

// RegisteredVolume finds the registered volume inside a subject result
// directory, preferring the linear output over a warped one.
func (r *Resolver) RegisteredVolume(resultDir string) (string, error) {
	files, err := fsutil.ListFiles(resultDir, r.conv.VolumeExt)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("result dir %s: %w", resultDir, errs.ErrNotFound)
		}
		return "", err
	}
	var warped string
	for _, f := range files {
		name := filepath.Base(f)
		switch {
		case strings.HasSuffix(name, "_field"+r.conv.VolumeExt):
			continue
		case strings.HasSuffix(name, "_warped"+r.conv.VolumeExt):
			if warped == "" {
				warped = f
			}
		default:
			return f, nil
		}
	}
	if warped != "" {
		return warped, nil
	}
	return "", fmt.Errorf("no registered volume in %s: %w", resultDir, errs.ErrNotFound)
}

// MatrixFile finds the linear transform inside a subject result directory.
func (r *Resolver) MatrixFile(resultDir string) (string, error) {
	files, err := fsutil.ListFiles(resultDir, ".mat")
	if err != nil || len(files) == 0 {
		return "", fmt.Errorf("no transform in %s: %w", resultDir, errs.ErrNotFound)
	}
	return files[0], nil
}

// ScoreFile is the persisted score map for one (target, cost function, metric).
func (r *Resolver) ScoreFile(targetID string, cf CostFunction, metric string) (string, error) {
	name, err := r.ScoreFileName(metric)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.CostFunctionDir(targetID, cf), name), nil
}

// ScoreFileName maps a metric to its fixed file name.
func (r *Resolver) ScoreFileName(metric string) (string, error) {
	switch metric {
	case MetricMutualInformation:
		return r.conv.MIScoreFile, nil
	case MetricCostEstimate:
		return r.conv.CostScoreFile, nil
	default:
		return "", fmt.Errorf("unknown metric %q: %w", metric, errs.ErrNotFound)
	}
}

// Metrics lists the metric names that have score files.
func (r *Resolver) Metrics() []string {
	return []string{MetricMutualInformation, MetricCostEstimate}
}

// ResultsFile is the aggregated table of a target.
func (r *Resolver) ResultsFile(targetID string) string {
	return filepath.Join(r.RealignedDir(targetID), r.conv.ResultsFile)
}

// SkullStrippedPath mirrors a raw scan into the skull-stripped tree,
// <skull_stripped>/<subject>/<file>.
func (r *Resolver) SkullStrippedPath(scanPath string) string {
	subject := filepath.Base(filepath.Dir(scanPath))
	return filepath.Join(r.conv.SkullStrippedDir, subject, filepath.Base(scanPath))
}

// SubjectOf returns the subject id owning a scan path.
func SubjectOf(scanPath string) string {
	return filepath.Base(filepath.Dir(scanPath))
}
