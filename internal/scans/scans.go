// Package scans discovers per-subject scan files and picks one canonical
// scan when several match.
package scans

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"reid/internal/errs"
	"reid/internal/fsutil"
)

// Modality tags.
const (
	T1 = "t1"
	T2 = "t2"
	IR = "ir"
)

// Stage tags.
const (
	StageRaw           = "raw"
	StageSkullStripped = "skull_stripped"
	StageRealigned     = "realigned"
)

// DefaultModalities maps each modality to the file name substrings that identify it.
func DefaultModalities() map[string][]string {
	return map[string][]string{
		T1: {"MPRAGE", "T1W"},
		T2: {"FLAIR", "t2_"},
		IR: {"IR-EPI"},
	}
}

// DefaultPriority lists the suffixes tried, in order, when a single anatomical
// scan must be chosen. Each entry is a group; the first candidate ending in
// any suffix of the earliest matching group wins.
func DefaultPriority() [][]string {
	return [][]string{
		{"EnhancedContrast.nii.gz", "EnchancedContrast.nii.gz"}, // both spellings occur in exports
		{"1mm.nii.gz"},
	}
}

// Scan is one volume file owned by a subject.
type Scan struct {
	Path     string
	Subject  string
	Modality string
	Stage    string
	// Priority is the index of the matched priority group, or -1 when the
	// scan was chosen by the lexicographic fallback or not disambiguated.
	Priority int
}

// Base is the file name without the volume extension.
func (s Scan) Base() string {
	return fsutil.TrimVolumeExt(filepath.Base(s.Path))
}

// Report lists subjects that contributed nothing or needed a tie-break.
type Report struct {
	Subjects  int
	Missing   []string
	Ambiguous []string
}

// Selector finds scans under a stage root.
type Selector struct {
	Modalities map[string][]string
	// Anatomical modalities get the priority disambiguation.
	Anatomical map[string]bool
	Priority   [][]string
	Ext        string
	Stage      string
	Logger     *slog.Logger
}

// NewSelector returns a selector with the standard modality table.
func NewSelector(stage string, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		Modalities: DefaultModalities(),
		Anatomical: map[string]bool{T1: true},
		Priority:   DefaultPriority(),
		Ext:        fsutil.VolumeExt,
		Stage:      stage,
		Logger:     logger,
	}
}

// Select walks the immediate subdirectories of baseDir, one per subject, in
// lexicographic order. With single set, at most one scan per subject is
// returned. Only an unreadable baseDir is an error.
func (s *Selector) Select(baseDir, modality string, single bool) ([]Scan, Report, error) {
	var report Report

	var needles []string
	if modality != "" {
		var ok bool
		needles, ok = s.Modalities[modality]
		if !ok {
			return nil, report, fmt.Errorf("unknown modality %q", modality)
		}
	}

	subjects, err := fsutil.SubDirs(baseDir)
	if err != nil {
		return nil, report, fmt.Errorf("list subjects in %s: %w", baseDir, err)
	}
	report.Subjects = len(subjects)
	s.Logger.Debug("looking for scans", "dir", baseDir, "modality", modality, "subjects", len(subjects))

	var result []Scan
	for _, subject := range subjects {
		candidates, err := s.candidates(filepath.Join(baseDir, subject), needles)
		if err != nil {
			s.Logger.Warn("cannot read subject directory", "subject", subject, "error", err)
			report.Missing = append(report.Missing, subject)
			continue
		}
		if len(candidates) == 0 {
			s.Logger.Warn("no matching scan", "subject", subject, "modality", modality)
			report.Missing = append(report.Missing, subject)
			continue
		}

		if !single {
			for _, c := range candidates {
				result = append(result, s.scan(c, subject, modality, -1))
			}
			continue
		}

		chosen, rank := s.pick(candidates, modality)
		if rank < 0 && len(candidates) > 1 {
			report.Ambiguous = append(report.Ambiguous, subject)
			s.Logger.Warn("scan selection fell back to lexicographic order",
				"subject", subject,
				"chosen", filepath.Base(chosen),
				"candidates", len(candidates),
				"warning", errs.ErrAmbiguousSelection,
			)
		}
		result = append(result, s.scan(chosen, subject, modality, rank))
	}

	s.Logger.Info("scan selection finished",
		"dir", baseDir,
		"modality", modality,
		"found", len(result),
		"subjects", len(subjects),
		"missing", len(report.Missing),
	)
	return result, report, nil
}

func (s *Selector) candidates(dir string, needles []string) ([]string, error) {
	files, err := fsutil.ListFiles(dir, s.Ext)
	if err != nil {
		return nil, err
	}
	if len(needles) == 0 {
		return files, nil
	}
	var matching []string
	for _, f := range files {
		if containsAny(filepath.Base(f), needles) {
			matching = append(matching, f)
		}
	}
	return matching, nil
}

// pick returns the chosen candidate and the priority group that matched, or
// -1 when the lexicographically first candidate was taken. candidates must be
// sorted.
func (s *Selector) pick(candidates []string, modality string) (string, int) {
	if s.Anatomical[modality] {
		for rank, group := range s.Priority {
			for _, c := range candidates {
				if hasAnySuffix(c, group) {
					return c, rank
				}
			}
		}
	}
	return candidates[0], -1
}

func (s *Selector) scan(path, subject, modality string, rank int) Scan {
	if modality == "" {
		modality = InferModality(filepath.Base(path), s.Modalities)
	}
	return Scan{Path: path, Subject: subject, Modality: modality, Stage: s.Stage, Priority: rank}
}

// InferModality returns the first modality (in name order) whose substrings
// appear in name, or "" when none do.
func InferModality(name string, modalities map[string][]string) string {
	for _, m := range []string{T1, T2, IR} {
		if containsAny(name, modalities[m]) {
			return m
		}
	}
	for m, needles := range modalities {
		if m != T1 && m != T2 && m != IR && containsAny(name, needles) {
			return m
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
