package tasks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"reid/internal/config"
	"reid/internal/fsutil"
	"reid/internal/models"
)

// VolumeReader loads voxel intensities of a volume file.
type VolumeReader interface {
	ReadVolume(ctx context.Context, path string) (models.Volume, error)
}

// FSLVolumeReader decodes volumes through fslinfo and fsl2ascii so that no
// image format parsing lives in this module.
type FSLVolumeReader struct {
	Cmd       Commander
	FSLInfo   string
	FSL2ASCII string
	TempDir   string
}

// NewFSLVolumeReader builds a reader from the tools section.
func NewFSLVolumeReader(cmd Commander, cfg config.Tools) *FSLVolumeReader {
	return &FSLVolumeReader{
		Cmd:       cmd,
		FSLInfo:   orDefault(cfg.FSLInfo, ToolFSLInfo),
		FSL2ASCII: orDefault(cfg.FSL2ASCII, ToolFSL2ASCII),
		TempDir:   cfg.TempDir,
	}
}

func (r *FSLVolumeReader) ReadVolume(ctx context.Context, path string) (models.Volume, error) {
	if !fsutil.FileExists(path) {
		return models.Volume{}, fmt.Errorf("volume %s: %w", path, os.ErrNotExist)
	}
	info, err := r.Cmd.Run(ctx, r.FSLInfo, path)
	if err != nil {
		return models.Volume{}, err
	}
	dims, err := parseFSLInfoDims(string(info))
	if err != nil {
		return models.Volume{}, fmt.Errorf("fslinfo %s: %w", path, err)
	}

	if r.TempDir != "" {
		if err := os.MkdirAll(r.TempDir, 0o755); err != nil {
			return models.Volume{}, err
		}
	}
	tmp, err := os.MkdirTemp(r.TempDir, "ascii-*")
	if err != nil {
		return models.Volume{}, err
	}
	defer os.RemoveAll(tmp)

	prefix := filepath.Join(tmp, "vol")
	if _, err := r.Cmd.Run(ctx, r.FSL2ASCII, path, prefix); err != nil {
		return models.Volume{}, err
	}
	// fsl2ascii writes one file per time point; only the first is scored
	f, err := os.Open(prefix + "00000")
	if err != nil {
		return models.Volume{}, fmt.Errorf("fsl2ascii output: %w", err)
	}
	defer f.Close()

	vol := models.Volume{Width: dims[0], Height: dims[1], Depth: dims[2]}
	vol.Data = make([]float64, 0, vol.Len())
	if err := parseASCIIVoxels(f, &vol.Data); err != nil {
		return models.Volume{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := vol.Validate(); err != nil {
		return models.Volume{}, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

// parseFSLInfoDims reads dim1..dim3 from fslinfo output.
func parseFSLInfoDims(out string) ([3]int, error) {
	var dims [3]int
	found := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		idx := -1
		switch fields[0] {
		case "dim1":
			idx = 0
		case "dim2":
			idx = 1
		case "dim3":
			idx = 2
		}
		if idx < 0 {
			continue
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return dims, fmt.Errorf("bad %s value %q", fields[0], fields[1])
		}
		dims[idx] = n
		found++
	}
	if found < 3 {
		return dims, fmt.Errorf("missing dimensions in fslinfo output")
	}
	return dims, nil
}

func parseASCIIVoxels(r io.Reader, data *[]float64) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<26)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return err
		}
		*data = append(*data, v)
	}
	return sc.Err()
}
