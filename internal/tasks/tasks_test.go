package tasks

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"reid/internal/config"
	"reid/internal/errs"
)

type recordedCall struct {
	name string
	args []string
}

type stubCommander struct {
	calls  []recordedCall
	output map[string]string
	fail   map[string]error
	hook   func(name string, args []string) error
}

func (s *stubCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, recordedCall{name: name, args: args})
	if s.hook != nil {
		if err := s.hook(name, args); err != nil {
			return nil, err
		}
	}
	if err := s.fail[name]; err != nil {
		return nil, err
	}
	return []byte(s.output[name]), nil
}

func TestBETArguments(t *testing.T) {
	cmd := &stubCommander{}
	bet := NewBETProcessor(cmd, config.Tools{BET: "bet", BETFractional: 0.4, BETRobust: true})
	if err := bet.Strip(context.Background(), "in.nii.gz", "out.nii.gz"); err != nil {
		t.Fatal(err)
	}
	want := []string{"in.nii.gz", "out.nii.gz", "-f", "0.4", "-R"}
	if len(cmd.calls) != 1 || !reflect.DeepEqual(cmd.calls[0].args, want) {
		t.Fatalf("unexpected bet call %+v", cmd.calls)
	}
}

func TestFLIRTRegisterArguments(t *testing.T) {
	cmd := &stubCommander{}
	flirt := NewFLIRTProcessor(cmd, config.Tools{FLIRT: "/opt/fsl/bin/flirt"})
	err := flirt.Register(context.Background(), LinearRequest{
		Moving: "m.nii.gz", Reference: "r.nii.gz", Cost: "normcorr",
		OutVolume: "o.nii.gz", OutMatrix: "o.mat",
	})
	if err != nil {
		t.Fatal(err)
	}
	call := cmd.calls[0]
	if call.name != "/opt/fsl/bin/flirt" {
		t.Fatalf("binary not honoured: %s", call.name)
	}
	joined := strings.Join(call.args, " ")
	if joined != "-in m.nii.gz -ref r.nii.gz -out o.nii.gz -omat o.mat -cost normcorr" {
		t.Fatalf("unexpected args %q", joined)
	}
}

func TestMeasureCostParsesFirstNumber(t *testing.T) {
	cmd := &stubCommander{output: map[string]string{"flirt": "0.183524  0.0 0.0\n1 0 0 0\n"}}
	flirt := NewFLIRTProcessor(cmd, config.Tools{FLIRT: "flirt", MeasureCostSchedule: "/sch", TempDir: t.TempDir()})
	v, err := flirt.MeasureCost(context.Background(), "m", "r", "m.mat")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0.183524 {
		t.Fatalf("got %v", v)
	}
	if !strings.Contains(strings.Join(cmd.calls[0].args, " "), "-schedule /sch -init m.mat") {
		t.Fatalf("schedule not passed: %v", cmd.calls[0].args)
	}

	empty := &stubCommander{}
	flirt.Cmd = empty
	if _, err := flirt.MeasureCost(context.Background(), "m", "r", "m.mat"); err == nil {
		t.Fatalf("expected error for empty output")
	}
}

func TestFNIRTUsesSeparateFieldFile(t *testing.T) {
	cmd := &stubCommander{}
	fnirt := NewFNIRTProcessor(cmd, config.Tools{})
	fnirt.Warp(context.Background(), NonlinearRequest{Moving: "m", Reference: "r", OutWarped: "w.nii.gz", OutField: "f.nii.gz"})
	args := cmd.calls[0].args
	if args[2] != "--iout=w.nii.gz" || args[3] != "--fout=f.nii.gz" {
		t.Fatalf("unexpected fnirt args %v", args)
	}
	if cmd.calls[0].name != "fnirt" {
		t.Fatalf("default binary not used: %s", cmd.calls[0].name)
	}
}

func TestFSLVolumeReader(t *testing.T) {
	dir := t.TempDir()
	vol := filepath.Join(dir, "v.nii.gz")
	os.WriteFile(vol, []byte("x"), 0o644)

	cmd := &stubCommander{
		output: map[string]string{"fslinfo": "data_type FLOAT32\ndim1 2\ndim2 2\ndim3 1\ndim4 1\npixdim1 1.0\n"},
		hook: func(name string, args []string) error {
			if name == "fsl2ascii" {
				return os.WriteFile(args[1]+"00000", []byte("1 2\n3 4\n\n"), 0o644)
			}
			return nil
		},
	}
	r := NewFSLVolumeReader(cmd, config.Tools{TempDir: dir})
	got, err := r.ReadVolume(context.Background(), vol)
	if err != nil {
		t.Fatal(err)
	}
	if got.Shape() != [3]int{2, 2, 1} || !reflect.DeepEqual(got.Data, []float64{1, 2, 3, 4}) {
		t.Fatalf("unexpected volume %+v", got)
	}

	short := &stubCommander{
		output: cmd.output,
		hook: func(name string, args []string) error {
			if name == "fsl2ascii" {
				return os.WriteFile(args[1]+"00000", []byte("1 2 3"), 0o644)
			}
			return nil
		},
	}
	r.Cmd = short
	if _, err := r.ReadVolume(context.Background(), vol); err == nil {
		t.Fatalf("expected voxel count mismatch error")
	}
}

func TestParseFSLInfoDimsMissing(t *testing.T) {
	if _, err := parseFSLInfoDims("dim1 3\ndim2 3\n"); err == nil {
		t.Fatalf("expected error when dim3 missing")
	}
}

func TestPadPatientID(t *testing.T) {
	cases := map[string]string{"42": "000000042", "123456789": "123456789", " 7 ": "000000007", "": ""}
	for in, want := range cases {
		if got := PadPatientID(in); got != want {
			t.Errorf("PadPatientID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSeriesDirsTwoLevels(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"b/s2", "a/s1", "a/s0/deeper"} {
		os.MkdirAll(filepath.Join(root, d), 0o755)
	}
	got, err := SeriesDirs(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(root, "a/s0"), filepath.Join(root, "a/s1"), filepath.Join(root, "b/s2")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestReadSeriesWithoutDICOMFiles(t *testing.T) {
	p := NewDcm2niixProcessor(&stubCommander{}, config.Tools{})
	if _, err := p.ReadSeries(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty series directory")
	}
}

func TestDcm2niixArguments(t *testing.T) {
	cmd := &stubCommander{}
	p := NewDcm2niixProcessor(cmd, config.Tools{Dcm2niix: "dcm2niix"})
	out := filepath.Join(t.TempDir(), "000000042", "20200101")
	if err := p.Convert(context.Background(), ConvertRequest{SeriesDir: "/in/s1", OutputDir: out, Name: "MPRAGE"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"-z", "y", "-b", "n", "-o", out, "-f", "MPRAGE", "/in/s1"}
	if !reflect.DeepEqual(cmd.calls[0].args, want) {
		t.Fatalf("got %v", cmd.calls[0].args)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output dir not created: %v", err)
	}
}

// commandExists reports whether name resolves in PATH.
func commandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func TestExecCommanderReportsToolError(t *testing.T) {
	if !commandExists("sh") {
		t.Skip("sh not available")
	}
	var observed string
	c := NewExecCommander(5*time.Second, nil)
	c.Observe = func(tool string, d time.Duration) { observed = tool }

	out, err := c.Run(context.Background(), "sh", "-c", "echo ok")
	if err != nil || strings.TrimSpace(string(out)) != "ok" {
		t.Fatalf("unexpected result %q %v", out, err)
	}
	if observed != "sh" {
		t.Fatalf("observer not called: %q", observed)
	}

	_, err = c.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	var terr *errs.ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if terr.ExitCode != 3 || !strings.Contains(terr.Output, "boom") {
		t.Fatalf("unexpected tool error %+v", terr)
	}
	if !errors.Is(err, errs.ErrExternalTool) {
		t.Fatalf("ToolError should match ErrExternalTool")
	}
}

func TestExecCommanderTimeout(t *testing.T) {
	if !commandExists("sleep") {
		t.Skip("sleep not available")
	}
	c := NewExecCommander(50*time.Millisecond, nil)
	_, err := c.Run(context.Background(), "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestToolManagerRequire(t *testing.T) {
	cfg := &config.Config{Tools: config.Tools{BET: "definitely-not-a-real-tool-xyz"}}
	tm := NewToolManager(cfg)
	err := tm.Require(ToolBET)
	if err == nil || !strings.Contains(err.Error(), "bet") {
		t.Fatalf("expected missing bet, got %v", err)
	}
	if tm.Binary(ToolFLIRT) != "flirt" {
		t.Fatalf("unset binary should default to logical name")
	}
	if st := tm.CheckTool(ToolBET); st.Available {
		t.Fatalf("fake tool reported available")
	}
}
