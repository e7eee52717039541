package tasks

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"reid/internal/config"
)

// Logical tool names.
const (
	ToolDcm2niix  = "dcm2niix"
	ToolBET       = "bet"
	ToolFLIRT     = "flirt"
	ToolFNIRT     = "fnirt"
	ToolFSLInfo   = "fslinfo"
	ToolFSL2ASCII = "fsl2ascii"
)

// ToolManager resolves logical tool names to configured binaries and
// reports their availability.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Binary maps a logical tool name to the configured executable.
func (tm *ToolManager) Binary(toolName string) string {
	t := tm.cfg.Tools
	var bin string
	switch toolName {
	case ToolDcm2niix:
		bin = t.Dcm2niix
	case ToolBET:
		bin = t.BET
	case ToolFLIRT:
		bin = t.FLIRT
	case ToolFNIRT:
		bin = t.FNIRT
	case ToolFSLInfo:
		bin = t.FSLInfo
	case ToolFSL2ASCII:
		bin = t.FSL2ASCII
	}
	if bin == "" {
		return toolName
	}
	return bin
}

// CheckTool verifies if a tool is available and working
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	binaryName := tm.Binary(toolName)

	path, err := exec.LookPath(binaryName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	var versionArgs []string
	switch toolName {
	case ToolDcm2niix:
		versionArgs = []string{"--version"}
	case ToolFLIRT:
		versionArgs = []string{"-version"}
	case ToolBET, ToolFNIRT, ToolFSLInfo, ToolFSL2ASCII:
		// FSL tools print usage (and exit non-zero) without arguments
		versionArgs = []string{}
	default:
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(binaryName, versionArgs...).CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetToolStatus returns the status of every tool, keyed by logical name.
func (tm *ToolManager) GetToolStatus() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, name := range AllTools() {
		status[name] = tm.CheckTool(name)
	}
	return status
}

// Require fails with the names of every missing tool.
func (tm *ToolManager) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := exec.LookPath(tm.Binary(name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("required tools not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AllTools lists the logical tool names in display order.
func AllTools() []string {
	return []string{ToolDcm2niix, ToolBET, ToolFLIRT, ToolFNIRT, ToolFSLInfo, ToolFSL2ASCII}
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
