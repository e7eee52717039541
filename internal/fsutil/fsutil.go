package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// VolumeExt is the compressed NIfTI extension every stage reads and writes.
const VolumeExt = ".nii.gz"

var volumeExts = map[string]struct{}{
	".nii.gz": {},
	".nii":    {},
}

// InProgressMarker is dropped into a result directory while a tool writes to it.
const InProgressMarker = ".inprogress"

// IsVolumeFile checks if a file is a NIfTI volume.
func IsVolumeFile(path string) bool {
	_, ok := volumeExts[volumeExt(path)]
	return ok
}

// TrimVolumeExt strips .nii.gz or .nii from a file name.
func TrimVolumeExt(name string) string {
	ext := volumeExt(name)
	if ext == "" {
		return strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name[:len(name)-len(ext)]
}

func volumeExt(path string) string {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".nii.gz") {
		return ".nii.gz"
	}
	if strings.HasSuffix(lower, ".nii") {
		return ".nii"
	}
	return ""
}

// ListFiles returns the regular files directly under dir whose names end
// with suffix, sorted by name. Hidden files, including in-flight outputs,
// are ignored.
func ListFiles(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// SubDirs returns the names of the immediate subdirectories of dir, sorted.
// Hidden directories are ignored.
func SubDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// CreateResult tags the outcome of CreateExclusive.
type CreateResult int

const (
	Created CreateResult = iota
	AlreadyExists
)

func (r CreateResult) String() string {
	if r == Created {
		return "created"
	}
	return "already_exists"
}

// CreateExclusive creates dir with a single mkdir so that exactly one caller
// observes Created. Missing parents are created first.
func CreateExclusive(dir string) (CreateResult, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return 0, err
	}
	err := os.Mkdir(dir, 0o755)
	switch {
	case err == nil:
		return Created, nil
	case errors.Is(err, fs.ErrExist):
		st, statErr := os.Stat(dir)
		if statErr != nil {
			return 0, statErr
		}
		if !st.IsDir() {
			return 0, fmt.Errorf("%s exists and is not a directory", dir)
		}
		return AlreadyExists, nil
	default:
		return 0, err
	}
}

// DirState classifies a result directory.
type DirState int

const (
	Missing DirState = iota
	Empty
	Claimed
	Populated
)

func (s DirState) String() string {
	switch s {
	case Missing:
		return "missing"
	case Empty:
		return "empty"
	case Claimed:
		return "claimed"
	default:
		return "populated"
	}
}

// Inspect reports whether dir is missing, empty, claimed by a writer, or
// populated. The in-progress marker wins over any partial output next to it.
func Inspect(dir string) (DirState, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return Missing, nil
	}
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return Empty, nil
	}
	for _, e := range entries {
		if e.Name() == InProgressMarker {
			return Claimed, nil
		}
	}
	return Populated, nil
}

// Claim exclusively creates the in-progress marker inside dir.
// It returns false when another process already holds the claim.
func Claim(dir string) (bool, error) {
	f, err := os.OpenFile(filepath.Join(dir, InProgressMarker), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	fmt.Fprintf(f, "pid=%d\n", os.Getpid())
	return true, f.Close()
}

// Release removes the in-progress marker.
func Release(dir string) error {
	err := os.Remove(filepath.Join(dir, InProgressMarker))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// WriteFileAtomic replaces path with data via a synced temp file and rename,
// then syncs the parent directory so the rename survives a crash.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
