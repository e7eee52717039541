package evaluate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"reid/internal/fsutil"
)

// Scores maps subject id to one scalar score.
type Scores map[string]float64

// Subjects returns the subject ids in sorted order.
func (s Scores) Subjects() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadScores reads a score file; a missing file is an empty map.
func LoadScores(path string) (Scores, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Scores{}, nil
	}
	if err != nil {
		return nil, err
	}
	s := Scores{}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}

// SaveScores atomically replaces path with s.
func SaveScores(path string, s Scores) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// Merge returns existing plus fresh. Subjects already in existing keep their
// value unless force is set.
func Merge(existing, fresh Scores, force bool) Scores {
	out := make(Scores, len(existing)+len(fresh))
	for id, v := range existing {
		out[id] = v
	}
	for id, v := range fresh {
		if _, ok := out[id]; ok && !force {
			continue
		}
		out[id] = v
	}
	return out
}
