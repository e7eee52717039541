package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCountsAndWritesTextfile(t *testing.T) {
	r := New()
	r.ObserveOutcome("register", "done")
	r.ObserveOutcome("register", "done")
	r.ObserveOutcome("register", "skipped")
	r.ObserveTool("flirt", 3*time.Second)
	r.ObserveScore("T", "Least Squares", "Mutual Information", 1.5)

	if got := testutil.ToFloat64(r.outcomes.WithLabelValues("register", "done")); got != 2 {
		t.Fatalf("done count = %v", got)
	}
	if got := testutil.ToFloat64(r.scores.WithLabelValues("T", "Least Squares", "Mutual Information")); got != 1.5 {
		t.Fatalf("score gauge = %v", got)
	}

	path := filepath.Join(t.TempDir(), "reid.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"reid_subject_outcomes_total", "reid_tool_duration_seconds_bucket", `tool="flirt"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("textfile missing %q", want)
		}
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.ObserveOutcome("a", "b")
	r.ObserveTool("x", time.Second)
	r.ObserveScore("t", "c", "m", 1)
	if err := r.WriteTextfile("/nonexistent/dir/file"); err != nil {
		t.Fatalf("nil recorder should not write: %v", err)
	}
}
