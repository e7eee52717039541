package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reid/internal/config"
)

// SkullStripper removes non-brain tissue from one volume.
type SkullStripper interface {
	Name() string
	Strip(ctx context.Context, in, out string) error
}

// LinearRequest describes one flirt registration.
type LinearRequest struct {
	Moving    string
	Reference string
	Cost      string // flirt -cost code
	OutVolume string
	OutMatrix string
}

// LinearRegistrar registers a moving volume onto a reference with a cost function.
type LinearRegistrar interface {
	Name() string
	Register(ctx context.Context, req LinearRequest) error
}

// NonlinearRequest describes one fnirt registration.
type NonlinearRequest struct {
	Moving    string
	Reference string
	OutWarped string
	OutField  string
}

// NonlinearRegistrar warps a moving volume onto a reference.
type NonlinearRegistrar interface {
	Name() string
	Warp(ctx context.Context, req NonlinearRequest) error
}

// CostMeasurer evaluates the registration cost of an existing transform.
type CostMeasurer interface {
	MeasureCost(ctx context.Context, moving, reference, matrix string) (float64, error)
}

// BETProcessor wraps FSL bet.
type BETProcessor struct {
	Cmd        Commander
	Binary     string
	Fractional float64
	Robust     bool
}

// NewBETProcessor builds a bet wrapper from the tools section.
func NewBETProcessor(cmd Commander, cfg config.Tools) *BETProcessor {
	return &BETProcessor{Cmd: cmd, Binary: orDefault(cfg.BET, ToolBET), Fractional: cfg.BETFractional, Robust: cfg.BETRobust}
}

func (p *BETProcessor) Name() string { return ToolBET }

func (p *BETProcessor) Strip(ctx context.Context, in, out string) error {
	args := []string{in, out}
	if p.Fractional > 0 {
		args = append(args, "-f", strconv.FormatFloat(p.Fractional, 'f', -1, 64))
	}
	if p.Robust {
		args = append(args, "-R")
	}
	_, err := p.Cmd.Run(ctx, p.Binary, args...)
	return err
}

// FLIRTProcessor wraps FSL flirt for registration and cost measurement.
type FLIRTProcessor struct {
	Cmd      Commander
	Binary   string
	Schedule string // measurecost schedule
	TempDir  string
}

// NewFLIRTProcessor builds a flirt wrapper from the tools section.
func NewFLIRTProcessor(cmd Commander, cfg config.Tools) *FLIRTProcessor {
	return &FLIRTProcessor{Cmd: cmd, Binary: orDefault(cfg.FLIRT, ToolFLIRT), Schedule: cfg.MeasureCostSchedule, TempDir: cfg.TempDir}
}

func (p *FLIRTProcessor) Name() string { return ToolFLIRT }

func (p *FLIRTProcessor) Register(ctx context.Context, req LinearRequest) error {
	args := []string{
		"-in", req.Moving,
		"-ref", req.Reference,
		"-out", req.OutVolume,
		"-omat", req.OutMatrix,
	}
	if req.Cost != "" {
		args = append(args, "-cost", req.Cost)
	}
	_, err := p.Cmd.Run(ctx, p.Binary, args...)
	return err
}

// MeasureCost runs flirt with the measure-cost schedule and parses the first
// number it prints.
func (p *FLIRTProcessor) MeasureCost(ctx context.Context, moving, reference, matrix string) (float64, error) {
	if p.Schedule == "" {
		return 0, fmt.Errorf("measure cost schedule not configured")
	}
	if p.TempDir != "" {
		if err := os.MkdirAll(p.TempDir, 0o755); err != nil {
			return 0, err
		}
	}
	tmp, err := os.MkdirTemp(p.TempDir, "cost-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmp)

	out, err := p.Cmd.Run(ctx, p.Binary,
		"-in", moving,
		"-ref", reference,
		"-schedule", p.Schedule,
		"-init", matrix,
		"-out", filepath.Join(tmp, "cost.nii.gz"),
		"-omat", filepath.Join(tmp, "cost.mat"),
	)
	if err != nil {
		return 0, err
	}
	return parseFirstFloat(string(out))
}

// FNIRTProcessor wraps FSL fnirt.
type FNIRTProcessor struct {
	Cmd    Commander
	Binary string
}

// NewFNIRTProcessor builds a fnirt wrapper from the tools section.
func NewFNIRTProcessor(cmd Commander, cfg config.Tools) *FNIRTProcessor {
	return &FNIRTProcessor{Cmd: cmd, Binary: orDefault(cfg.FNIRT, ToolFNIRT)}
}

func (p *FNIRTProcessor) Name() string { return ToolFNIRT }

func (p *FNIRTProcessor) Warp(ctx context.Context, req NonlinearRequest) error {
	_, err := p.Cmd.Run(ctx, p.Binary,
		"--in="+req.Moving,
		"--ref="+req.Reference,
		"--iout="+req.OutWarped,
		"--fout="+req.OutField,
	)
	return err
}

func parseFirstFloat(out string) (float64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("no cost value in tool output")
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse cost %q: %w", fields[0], err)
	}
	return v, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
