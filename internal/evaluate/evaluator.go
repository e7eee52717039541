// Package evaluate scores registration quality and aggregates the scores
// into one results table per target.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gonum.org/v1/gonum/stat"

	"reid/internal/errs"
	"reid/internal/layout"
	"reid/internal/models"
	"reid/internal/tasks"
)

// ScoreObserver receives the mean of each persisted score map.
type ScoreObserver interface {
	ObserveScore(target, costFunction, metric string, value float64)
}

// Universe lists the subjects with a completed registration for a cost function.
type Universe func(cf layout.CostFunction) ([]string, error)

// MethodResult summarises one scoring pass over a cost function.
type MethodResult struct {
	CostFunction layout.CostFunction
	Metric       string
	Scores       Scores   // merged map as persisted
	Computed     []string // subjects scored in this pass
	Kept         []string // subjects already present and left untouched
	Excluded     map[string]error
}

// Evaluator computes and persists per-subject scores.
type Evaluator struct {
	Resolver *layout.Resolver
	Reader   tasks.VolumeReader
	Cost     tasks.CostMeasurer
	Bins     int
	Force    bool
	Logger   *slog.Logger
	Observer ScoreObserver
}

// New returns an evaluator with the default bin count.
func New(resolver *layout.Resolver, reader tasks.VolumeReader, cost tasks.CostMeasurer, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{Resolver: resolver, Reader: reader, Cost: cost, Bins: DefaultBins, Logger: logger}
}

func (e *Evaluator) bins() int {
	if e.Bins < 1 {
		return DefaultBins
	}
	return e.Bins
}

// ScoreSubject loads both volumes and returns their mutual information.
func (e *Evaluator) ScoreSubject(ctx context.Context, referencePath, registeredPath string) (float64, error) {
	ref, err := e.Reader.ReadVolume(ctx, referencePath)
	if err != nil {
		return 0, fmt.Errorf("read reference: %w", err)
	}
	return e.scoreAgainst(ctx, ref, registeredPath)
}

func (e *Evaluator) scoreAgainst(ctx context.Context, ref models.Volume, registeredPath string) (float64, error) {
	reg, err := e.Reader.ReadVolume(ctx, registeredPath)
	if err != nil {
		return 0, fmt.Errorf("read registered: %w", err)
	}
	return VolumeMutualInformation(ref, reg, e.bins())
}

// ScoreMethod scores each subject's registered volume against the target
// scan and merges the result into the persisted mutual information file.
func (e *Evaluator) ScoreMethod(ctx context.Context, targetID string, cf layout.CostFunction, subjects []string) (MethodResult, error) {
	targetScan, err := e.Resolver.TargetScan(targetID)
	if err != nil {
		return MethodResult{}, err
	}

	var ref *models.Volume
	return e.scoreMethod(ctx, targetID, cf, layout.MetricMutualInformation, subjects,
		func(ctx context.Context, resultDir string) (float64, error) {
			if ref == nil {
				v, err := e.Reader.ReadVolume(ctx, targetScan)
				if err != nil {
					return 0, fmt.Errorf("read reference: %w", err)
				}
				ref = &v
			}
			registered, err := e.Resolver.RegisteredVolume(resultDir)
			if err != nil {
				return 0, err
			}
			return e.scoreAgainst(ctx, *ref, registered)
		})
}

// EstimateCost measures the registration cost of each subject's transform
// and merges the values into the persisted cost file.
func (e *Evaluator) EstimateCost(ctx context.Context, targetID string, cf layout.CostFunction, subjects []string) (MethodResult, error) {
	if e.Cost == nil {
		return MethodResult{}, errors.New("no cost measurer configured")
	}
	targetScan, err := e.Resolver.TargetScan(targetID)
	if err != nil {
		return MethodResult{}, err
	}
	return e.scoreMethod(ctx, targetID, cf, layout.MetricCostEstimate, subjects,
		func(ctx context.Context, resultDir string) (float64, error) {
			registered, err := e.Resolver.RegisteredVolume(resultDir)
			if err != nil {
				return 0, err
			}
			matrix, err := e.Resolver.MatrixFile(resultDir)
			if err != nil {
				return 0, err
			}
			return e.Cost.MeasureCost(ctx, registered, targetScan, matrix)
		})
}

type subjectScorer func(ctx context.Context, resultDir string) (float64, error)

func (e *Evaluator) scoreMethod(ctx context.Context, targetID string, cf layout.CostFunction, metric string, subjects []string, score subjectScorer) (MethodResult, error) {
	res := MethodResult{CostFunction: cf, Metric: metric, Excluded: map[string]error{}}

	path, err := e.Resolver.ScoreFile(targetID, cf, metric)
	if err != nil {
		return res, err
	}
	existing, err := LoadScores(path)
	if err != nil {
		return res, err
	}

	methodDir := e.Resolver.CostFunctionDir(targetID, cf)
	fresh := Scores{}
	for _, subject := range subjects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, ok := existing[subject]; ok && !e.Force {
			res.Kept = append(res.Kept, subject)
			continue
		}
		v, err := score(ctx, e.Resolver.SubjectResultDir(methodDir, subject))
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Excluded[subject] = err
			e.Logger.Warn("subject excluded from scoring",
				"target", targetID,
				"cost_function", cf.Name,
				"metric", metric,
				"subject", subject,
				"error", err,
			)
			continue
		}
		fresh[subject] = v
		res.Computed = append(res.Computed, subject)
		e.Logger.Info("subject scored",
			"target", targetID,
			"cost_function", cf.Name,
			"metric", metric,
			"subject", subject,
			"value", v,
		)
	}

	res.Scores = Merge(existing, fresh, e.Force)
	if len(fresh) > 0 {
		if err := SaveScores(path, res.Scores); err != nil {
			return res, fmt.Errorf("save %s: %w", path, err)
		}
	}
	if e.Observer != nil && len(res.Scores) > 0 {
		vals := make([]float64, 0, len(res.Scores))
		for _, v := range res.Scores {
			vals = append(vals, v)
		}
		e.Observer.ObserveScore(targetID, cf.Name, metric, stat.Mean(vals, nil))
	}
	return res, nil
}

// ScoreAll runs ScoreMethod for every cost function, taking each subject
// list from universe.
func (e *Evaluator) ScoreAll(ctx context.Context, targetID string, universe Universe) ([]MethodResult, error) {
	var results []MethodResult
	for _, cf := range e.Resolver.CostFunctions() {
		subjects, err := universe(cf)
		if err != nil {
			return results, fmt.Errorf("%s: %w", cf.Name, err)
		}
		if len(subjects) == 0 {
			e.Logger.Info("no completed registrations", "target", targetID, "cost_function", cf.Name)
			continue
		}
		res, err := e.ScoreMethod(ctx, targetID, cf, subjects)
		if err != nil {
			return results, fmt.Errorf("%s: %w", cf.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Aggregate builds the results table from every persisted score file of a
// target and atomically writes it next to the method directories.
func (e *Evaluator) Aggregate(targetID string) (*Table, error) {
	table := NewTable()
	for _, cf := range e.Resolver.CostFunctions() {
		for _, metric := range e.Resolver.Metrics() {
			path, err := e.Resolver.ScoreFile(targetID, cf, metric)
			if err != nil {
				return nil, err
			}
			scores, err := LoadScores(path)
			if err != nil {
				return nil, err
			}
			for _, subject := range scores.Subjects() {
				k := Key{Subject: subject, CostFunction: cf.Name, Metric: metric}
				if err := table.Add(k, scores[subject]); err != nil {
					return nil, err
				}
			}
		}
	}
	if table.Len() == 0 {
		return table, fmt.Errorf("no score files under %s: %w", e.Resolver.RealignedDir(targetID), errs.ErrNotFound)
	}
	out := e.Resolver.ResultsFile(targetID)
	if err := table.Save(out); err != nil {
		return nil, err
	}
	e.Logger.Info("results aggregated", "target", targetID, "rows", table.Len(), "file", out)
	return table, nil
}

// LoadResults reads the aggregated table of a target.
func (e *Evaluator) LoadResults(targetID string) (*Table, error) {
	t, err := LoadTable(e.Resolver.ResultsFile(targetID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("results for %s: %w", targetID, errs.ErrNotFound)
	}
	return t, err
}
