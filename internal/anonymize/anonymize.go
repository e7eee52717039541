// Package anonymize replaces subject directory names with random ids and
// records the old to new mapping.
package anonymize

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"reid/internal/fsutil"
)

const maxDraws = 1000

// Mapping maps original subject ids to anonymized ids.
type Mapping map[string]string

// Anonymizer renames raw and target subject directories in one pass.
type Anonymizer struct {
	RawDir      string
	TargetDir   string
	MappingFile string
	Length      int
	Alphabet    string
	Logger      *slog.Logger

	// Rand is the entropy source; crypto/rand when nil.
	Rand io.Reader
	// Rename is os.Rename unless replaced.
	Rename func(oldpath, newpath string) error
}

type rename struct{ from, to string }

// Run draws one id per raw subject, renames the raw directory and its
// target counterpart, then durably writes the mapping. Any failure rolls
// the renames back; the mapping is only written after every rename
// succeeded.
func (a *Anonymizer) Run(ctx context.Context) (Mapping, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if a.Length <= 0 || len(a.symbols()) < 2 {
		return nil, fmt.Errorf("invalid id length %d or alphabet %q", a.Length, a.Alphabet)
	}
	if a.MappingFile == "" {
		return nil, errors.New("mapping file not configured")
	}
	if _, err := os.Stat(a.MappingFile); err == nil {
		return nil, fmt.Errorf("mapping file %s already exists; move it aside before anonymizing again", a.MappingFile)
	}

	subjects, err := fsutil.SubDirs(a.RawDir)
	if err != nil {
		return nil, fmt.Errorf("list raw subjects: %w", err)
	}
	targets, err := a.targetSubjects()
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(subjects)+len(targets))
	for _, s := range subjects {
		taken[s] = true
	}
	raw := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		raw[s] = true
	}
	for _, s := range targets {
		taken[s] = true
		if !raw[s] {
			logger.Warn("target directory has no raw counterpart", "subject", s, "dir", filepath.Join(a.TargetDir, s))
		}
	}
	needed := len(subjects)
	for name := range taken {
		if a.isID(name) {
			needed++
		}
	}
	if err := a.checkCapacity(needed); err != nil {
		return nil, err
	}

	mapping := make(Mapping, len(subjects))
	for _, s := range subjects {
		id, err := a.draw(taken)
		if err != nil {
			return nil, err
		}
		taken[id] = true
		mapping[s] = id
	}

	doRename := a.Rename
	if doRename == nil {
		doRename = os.Rename
	}
	var applied []rename
	rollback := func(cause error) error {
		for i := len(applied) - 1; i >= 0; i-- {
			r := applied[i]
			if err := doRename(r.to, r.from); err != nil {
				logger.Error("rollback rename failed", "from", r.to, "to", r.from, "error", err)
				cause = errors.Join(cause, fmt.Errorf("rollback %s: %w", r.to, err))
			}
		}
		return cause
	}

	for _, s := range subjects {
		if err := ctx.Err(); err != nil {
			return nil, rollback(err)
		}
		id := mapping[s]
		pairs := []rename{{filepath.Join(a.RawDir, s), filepath.Join(a.RawDir, id)}}
		if a.TargetDir != "" {
			if st, err := os.Stat(filepath.Join(a.TargetDir, s)); err == nil && st.IsDir() {
				pairs = append(pairs, rename{filepath.Join(a.TargetDir, s), filepath.Join(a.TargetDir, id)})
			}
		}
		for _, p := range pairs {
			if err := doRename(p.from, p.to); err != nil {
				return nil, rollback(fmt.Errorf("rename %s: %w", p.from, err))
			}
			applied = append(applied, p)
		}
		logger.Debug("subject anonymized", "subject", s, "id", id)
	}

	if err := SaveMapping(a.MappingFile, mapping); err != nil {
		return nil, rollback(fmt.Errorf("write mapping: %w", err))
	}
	logger.Info("subjects anonymized", "count", len(mapping), "mapping", a.MappingFile)
	return mapping, nil
}

func (a *Anonymizer) targetSubjects() ([]string, error) {
	if a.TargetDir == "" {
		return nil, nil
	}
	targets, err := fsutil.SubDirs(a.TargetDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list target subjects: %w", err)
	}
	return targets, nil
}

// symbols returns the distinct runes of the alphabet in order.
func (a *Anonymizer) symbols() []rune {
	seen := make(map[rune]bool)
	var out []rune
	for _, r := range a.Alphabet {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// isID reports whether name could be drawn, so it occupies the id space.
func (a *Anonymizer) isID(name string) bool {
	if utf8.RuneCountInString(name) != a.Length {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune(a.Alphabet, r) {
			return false
		}
	}
	return true
}

// checkCapacity fails when the id space cannot hold needed distinct ids.
func (a *Anonymizer) checkCapacity(needed int) error {
	n := len(a.symbols())
	space := math.Pow(float64(n), float64(a.Length))
	if space < float64(needed) {
		return fmt.Errorf("id space %d^%d too small for %d ids", n, a.Length, needed)
	}
	return nil
}

func (a *Anonymizer) draw(taken map[string]bool) (string, error) {
	src := a.Rand
	if src == nil {
		src = rand.Reader
	}
	symbols := a.symbols()
	n := big.NewInt(int64(len(symbols)))
	buf := make([]rune, a.Length)
	for attempt := 0; attempt < maxDraws; attempt++ {
		for i := range buf {
			k, err := rand.Int(src, n)
			if err != nil {
				return "", fmt.Errorf("draw id: %w", err)
			}
			buf[i] = symbols[k.Int64()]
		}
		if id := string(buf); !taken[id] {
			return id, nil
		}
	}
	return "", fmt.Errorf("no unused id after %d draws", maxDraws)
}

// SaveMapping atomically writes m as YAML.
func SaveMapping(path string, m Mapping) error {
	data, err := yaml.Marshal(map[string]string(m))
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// LoadMapping reads a mapping written by Run.
func LoadMapping(path string) (Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := Mapping{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}
