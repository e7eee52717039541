package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reid/internal/errs"
	"reid/internal/fsutil"
	"reid/internal/layout"
	"reid/internal/scans"
	"reid/internal/tasks"
)

// SkullStrip strips every raw T1 scan into the skull-stripped tree. An
// existing output is skipped. The first tool failure aborts the batch.
func (r *Runner) SkullStrip(ctx context.Context) (Report, error) {
	if r.Stripper == nil {
		return Report{Stage: StageSkullStrip}, errors.New("no skull stripper configured")
	}
	conv := r.Resolver.Conventions()
	found, selection, err := scans.NewSelector(scans.StageRaw, r.log).Select(conv.RawDir, scans.T1, true)
	if err != nil {
		return Report{Stage: StageSkullStrip, Selection: selection}, err
	}

	rn := r.begin(StageSkullStrip, "", r.Stripper.Name(), map[string]string{"raw_dir": conv.RawDir}, len(found))
	rn.report.Selection = selection
	for _, scan := range found {
		if err := ctx.Err(); err != nil {
			return rn.finish(err)
		}
		o := r.stripOne(ctx, scan)
		rn.record(o)
		if o.Status == StatusFailed {
			return rn.finish(fmt.Errorf("skull strip %s: %w", o.Subject, o.Err))
		}
	}
	return rn.finish(nil)
}

func (r *Runner) stripOne(ctx context.Context, scan scans.Scan) Outcome {
	start := time.Now()
	o := Outcome{Subject: scan.Subject, Scan: scan.Path}
	dest := r.Resolver.SkullStrippedPath(scan.Path)
	if fsutil.FileExists(dest) {
		o.Status, o.Err, o.Outputs = StatusSkipped, errs.ErrAlreadyProcessed, []string{dest}
		return o
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.Status, o.Err = StatusFailed, err
		return o
	}
	// hidden and still carrying the volume extension, which the tool expects
	tmp := filepath.Join(dir, fsutil.InProgressMarker+"-"+filepath.Base(dest))
	_ = os.Remove(tmp)

	err := r.Stripper.Strip(ctx, scan.Path, tmp)
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	o.Duration = time.Since(start)
	if err != nil {
		_ = os.Remove(tmp)
		o.Status, o.Err = StatusFailed, err
		return o
	}
	o.Status, o.Outputs = StatusDone, []string{dest}
	return o
}

// registerFunc runs one registration tool for a claimed result directory and
// returns the artifacts it wrote.
type registerFunc func(ctx context.Context, scan scans.Scan, reference, resultDir string) ([]string, error)

// RegisterLinear registers every skull-stripped T1 scan onto the target scan
// with one cost function.
func (r *Runner) RegisterLinear(ctx context.Context, targetID string, cf layout.CostFunction) (Report, error) {
	if r.Linear == nil {
		return Report{Stage: StageLinear, Target: targetID}, errors.New("no linear registrar configured")
	}
	params := map[string]string{"cost_function": cf.Name, "cost": cf.Code, "tool": r.Linear.Name()}
	return r.register(ctx, StageLinear, targetID, cf.DirName(), params,
		func(ctx context.Context, scan scans.Scan, reference, dir string) ([]string, error) {
			vol, mat := r.Resolver.LinearOutputs(dir, scan.Path)
			err := r.Linear.Register(ctx, tasks.LinearRequest{
				Moving:    scan.Path,
				Reference: reference,
				Cost:      cf.Code,
				OutVolume: vol,
				OutMatrix: mat,
			})
			return []string{vol, mat}, err
		})
}

// RegisterNonlinear warps every skull-stripped T1 scan onto the target scan.
func (r *Runner) RegisterNonlinear(ctx context.Context, targetID string) (Report, error) {
	if r.Nonlinear == nil {
		return Report{Stage: StageNonlinear, Target: targetID}, errors.New("no nonlinear registrar configured")
	}
	method := r.Resolver.Conventions().NonlinearDir
	params := map[string]string{"tool": r.Nonlinear.Name()}
	return r.register(ctx, StageNonlinear, targetID, method, params,
		func(ctx context.Context, scan scans.Scan, reference, dir string) ([]string, error) {
			warped, field := r.Resolver.NonlinearOutputs(dir, scan.Path)
			err := r.Nonlinear.Warp(ctx, tasks.NonlinearRequest{
				Moving:    scan.Path,
				Reference: reference,
				OutWarped: warped,
				OutField:  field,
			})
			return []string{warped, field}, err
		})
}

func (r *Runner) register(ctx context.Context, stage Stage, targetID, method string, params map[string]string, fn registerFunc) (Report, error) {
	empty := Report{Stage: stage, Target: targetID, Method: method}
	reference, err := r.Resolver.TargetScan(targetID)
	if err != nil {
		return empty, err
	}
	conv := r.Resolver.Conventions()
	found, selection, err := scans.NewSelector(scans.StageSkullStripped, r.log).Select(conv.SkullStrippedDir, scans.T1, true)
	if err != nil {
		empty.Selection = selection
		return empty, err
	}

	methodDir := r.Resolver.MethodDir(targetID, method)
	rn := r.begin(stage, targetID, method, params, len(found))
	rn.report.Selection = selection
	for _, scan := range found {
		if err := ctx.Err(); err != nil {
			return rn.finish(err)
		}
		dir := r.Resolver.SubjectResultDir(methodDir, scan.Subject)
		rn.record(r.registerOne(ctx, scan, reference, dir, fn))
	}
	return rn.finish(nil)
}

func (r *Runner) registerOne(ctx context.Context, scan scans.Scan, reference, dir string, fn registerFunc) Outcome {
	start := time.Now()
	o := Outcome{Subject: scan.Subject, Scan: scan.Path}

	status, err := gate(dir)
	if err != nil {
		o.Status, o.Err = status, err
		return o
	}

	outputs, err := fn(ctx, scan, reference, dir)
	if err == nil {
		err = missingOutput(outputs)
	}
	if err == nil {
		err = fsutil.Release(dir)
	}
	o.Duration = time.Since(start)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.log.Warn("could not remove partial result", "dir", dir, "error", rmErr)
		}
		o.Status, o.Err = StatusFailed, err
		return o
	}
	o.Status, o.Outputs = status, outputs
	return o
}

// missingOutput reports the first declared output the tool did not write.
func missingOutput(outputs []string) error {
	for _, p := range outputs {
		if !fsutil.FileExists(p) {
			return fmt.Errorf("tool exited cleanly but %s was not written: %w", p, errs.ErrNotFound)
		}
	}
	return nil
}

// gate takes exclusive ownership of a result directory. A nil error means the
// caller holds the in-progress claim and should run the tool; the returned
// status is then done for a fresh directory or retried for an empty leftover.
func gate(dir string) (Status, error) {
	res, err := fsutil.CreateExclusive(dir)
	if err != nil {
		return StatusFailed, err
	}
	status := StatusDone
	if res == fsutil.AlreadyExists {
		state, err := fsutil.Inspect(dir)
		if err != nil {
			return StatusFailed, err
		}
		switch state {
		case fsutil.Populated:
			return StatusSkipped, errs.ErrAlreadyProcessed
		case fsutil.Claimed, fsutil.Missing:
			return StatusConflict, fmt.Errorf("%s is %s: %w", dir, state, errs.ErrConflict)
		}
		status = StatusRetried
	}
	ok, err := fsutil.Claim(dir)
	if err != nil {
		return StatusFailed, err
	}
	if !ok {
		return StatusConflict, fmt.Errorf("%s claimed by another run: %w", dir, errs.ErrConflict)
	}
	return status, nil
}

// Convert turns every series two levels below dicomRoot into a volume under
// outRoot/<patient>/<date>. Failures are isolated per series.
func (r *Runner) Convert(ctx context.Context, dicomRoot, outRoot string) (Report, error) {
	if r.Converter == nil {
		return Report{Stage: StageConvert}, errors.New("no converter configured")
	}
	series, err := tasks.SeriesDirs(dicomRoot)
	if err != nil {
		return Report{Stage: StageConvert}, fmt.Errorf("list series in %s: %w", dicomRoot, err)
	}
	rn := r.begin(StageConvert, "", r.Converter.Name(), map[string]string{"dicom_root": dicomRoot, "out_root": outRoot}, len(series))
	for _, dir := range series {
		if err := ctx.Err(); err != nil {
			return rn.finish(err)
		}
		rn.record(r.convertOne(ctx, dir, outRoot))
	}
	return rn.finish(nil)
}

// ConvertSeries converts one series directory as a run of its own.
func (r *Runner) ConvertSeries(ctx context.Context, seriesDir, outRoot string) (Report, error) {
	if r.Converter == nil {
		return Report{Stage: StageConvert}, errors.New("no converter configured")
	}
	rn := r.begin(StageConvert, "", r.Converter.Name(), map[string]string{"series": seriesDir, "out_root": outRoot}, 1)
	rn.record(r.convertOne(ctx, seriesDir, outRoot))
	return rn.finish(nil)
}

func (r *Runner) convertOne(ctx context.Context, seriesDir, outRoot string) Outcome {
	start := time.Now()
	o := Outcome{Subject: filepath.Base(filepath.Dir(seriesDir)), Scan: seriesDir}
	fail := func(err error) Outcome {
		o.Duration = time.Since(start)
		o.Status, o.Err = StatusFailed, err
		return o
	}

	info, err := r.Converter.ReadSeries(seriesDir)
	if err != nil {
		return fail(err)
	}
	if info.PatientID != "" {
		o.Subject = info.PatientID
	}
	name := tasks.SafeName(info.Description)
	if name == "" {
		name = filepath.Base(seriesDir)
	}
	outDir := filepath.Join(outRoot, o.Subject, info.Date)
	out := filepath.Join(outDir, name+fsutil.VolumeExt)
	if fsutil.FileExists(out) {
		o.Status, o.Err, o.Outputs = StatusSkipped, errs.ErrAlreadyProcessed, []string{out}
		return o
	}

	if err := r.Converter.Convert(ctx, tasks.ConvertRequest{SeriesDir: seriesDir, OutputDir: outDir, Name: name}); err != nil {
		return fail(err)
	}
	produced, err := producedVolumes(outDir, name)
	if err != nil {
		return fail(err)
	}
	if len(produced) == 0 {
		return fail(fmt.Errorf("no volume named %s in %s: %w", name, outDir, errs.ErrNotFound))
	}
	o.Duration = time.Since(start)
	o.Status, o.Outputs = StatusDone, produced
	return o
}

// producedVolumes lists the volumes the converter wrote for name, including
// suffixed siblings such as echoes.
func producedVolumes(dir, name string) ([]string, error) {
	files, err := fsutil.ListFiles(dir, fsutil.VolumeExt)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if strings.HasPrefix(filepath.Base(f), name) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Completed lists the subjects of a target whose result directory for method
// is populated, sorted.
func (r *Runner) Completed(targetID, method string) ([]string, error) {
	dir := r.Resolver.MethodDir(targetID, method)
	subjects, err := fsutil.SubDirs(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var done []string
	for _, s := range subjects {
		state, err := fsutil.Inspect(r.Resolver.SubjectResultDir(dir, s))
		if err != nil {
			return nil, err
		}
		if state == fsutil.Populated {
			done = append(done, s)
		}
	}
	return done, nil
}
