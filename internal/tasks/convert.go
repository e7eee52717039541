package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"reid/internal/config"
	"reid/internal/fsutil"
)

// patientIDWidth is the zero-padded width of converted subject ids.
const patientIDWidth = 9

// SeriesInfo is the header subset that names a converted series.
type SeriesInfo struct {
	PatientID   string
	Description string
	Date        string
}

// ConvertRequest defines inputs for one series conversion.
type ConvertRequest struct {
	SeriesDir string
	OutputDir string
	Name      string // output file name without extension
}

// SeriesConverter turns a directory of DICOM slices into one volume.
type SeriesConverter interface {
	Name() string
	ReadSeries(dir string) (SeriesInfo, error)
	Convert(ctx context.Context, req ConvertRequest) error
}

// Dcm2niixProcessor reads headers with the dicom parser and converts with dcm2niix.
type Dcm2niixProcessor struct {
	Cmd    Commander
	Binary string
}

// NewDcm2niixProcessor builds a converter from the tools section.
func NewDcm2niixProcessor(cmd Commander, cfg config.Tools) *Dcm2niixProcessor {
	return &Dcm2niixProcessor{Cmd: cmd, Binary: orDefault(cfg.Dcm2niix, ToolDcm2niix)}
}

func (p *Dcm2niixProcessor) Name() string { return ToolDcm2niix }

// ReadSeries parses the first DICOM file of dir, skipping pixel data.
func (p *Dcm2niixProcessor) ReadSeries(dir string) (SeriesInfo, error) {
	sample, err := firstDICOM(dir)
	if err != nil {
		return SeriesInfo{}, err
	}
	ds, err := dicom.ParseFile(sample, nil, dicom.SkipPixelData())
	if err != nil {
		return SeriesInfo{}, fmt.Errorf("parse %s: %w", sample, err)
	}

	info := SeriesInfo{
		PatientID:   PadPatientID(elementString(ds, tag.PatientID)),
		Description: elementString(ds, tag.SeriesDescription),
		Date:        elementString(ds, tag.SeriesDate),
	}
	if info.PatientID == "" || info.Description == "" {
		return info, fmt.Errorf("%s: missing PatientID or SeriesDescription", sample)
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return info, nil
}

// Convert runs dcm2niix with gzip output and no BIDS sidecar.
func (p *Dcm2niixProcessor) Convert(ctx context.Context, req ConvertRequest) error {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return err
	}
	_, err := p.Cmd.Run(ctx, p.Binary,
		"-z", "y",
		"-b", "n",
		"-o", req.OutputDir,
		"-f", req.Name,
		req.SeriesDir,
	)
	return err
}

// PadPatientID left-pads numeric-looking ids with zeros to nine characters.
func PadPatientID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) >= patientIDWidth {
		return id
	}
	return strings.Repeat("0", patientIDWidth-len(id)) + id
}

// SeriesDirs returns the series directories two levels below root
// (<root>/<study>/<series>), sorted.
func SeriesDirs(root string) ([]string, error) {
	studies, err := fsutil.SubDirs(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, study := range studies {
		series, err := fsutil.SubDirs(filepath.Join(root, study))
		if err != nil {
			return nil, err
		}
		for _, s := range series {
			dirs = append(dirs, filepath.Join(root, study, s))
		}
	}
	return dirs, nil
}

// SafeName replaces path separators so a series description can be a file name.
func SafeName(s string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", " ", "_")
	return r.Replace(strings.TrimSpace(s))
}

func firstDICOM(dir string) (string, error) {
	files, err := fsutil.ListFiles(dir, ".dcm")
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no .dcm files in %s: %w", dir, os.ErrNotExist)
	}
	return files[0], nil
}

func elementString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	if vals, ok := el.Value.GetValue().([]string); ok && len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
