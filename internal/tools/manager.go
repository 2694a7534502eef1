package tools

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"autoalign/internal/align"
	"autoalign/internal/config"
)

// probeTimeout bounds a single version probe.
const probeTimeout = 5 * time.Second

// Manager reports which external programs the configuration depends on and whether they
// can be run.
type Manager struct {
	cfg *config.Config
}

// NewManager creates a tool manager for cfg.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// versionArgs are the probes for tools that answer one cheaply.
var versionArgs = map[string][]string{
	"source-extractor": {"--version"},
	"sex":              {"--version"},
	"xpaaccess":        {"--version"},
}

// CheckTool verifies if a tool is available and working
func (m *Manager) CheckTool(name string) ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	args, ok := versionArgs[name]
	if !ok {
		return ToolStatus{Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		// some tools exit non-zero on --version but still print it
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// DetectionTool returns the first available Source Extractor binary.
func (m *Manager) DetectionTool() (string, error) {
	for _, name := range m.cfg.Tools.SExtractor {
		if status := m.CheckTool(name); status.Available {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", align.ErrDetectionToolMissing, strings.Join(m.cfg.Tools.SExtractor, ", "))
}

// GetToolStatus returns the status of every configured tool, grouped by role.
func (m *Manager) GetToolStatus() map[string]map[string]ToolStatus {
	status := make(map[string]map[string]ToolStatus)
	add := func(group, name string) {
		if name == "" {
			return
		}
		if status[group] == nil {
			status[group] = make(map[string]ToolStatus)
		}
		status[group][name] = m.CheckTool(name)
	}

	for _, name := range m.cfg.Tools.SExtractor {
		add("detection", name)
	}

	if strings.EqualFold(m.cfg.Display.Viewer, "ds9") {
		for _, name := range []string{"xpaset", "xpaaccess", "ds9"} {
			add("display", name)
		}
	}

	ins := m.cfg.Instruments
	add("instruments", program(ins.Camera.Command))
	add("instruments", program(ins.FilterWheel.Command))
	add("instruments", program(ins.Focuser.Command))
	add("analysis", program(m.cfg.Optics.AnalyzerCommand))

	return status
}

// Groups returns the status group names in display order.
func Groups(status map[string]map[string]ToolStatus) []string {
	order := map[string]int{"detection": 0, "analysis": 1, "instruments": 2, "display": 3}
	groups := make([]string, 0, len(status))
	for g := range status {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return order[groups[i]] < order[groups[j]] })
	return groups
}

func program(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return strings.TrimSpace(argv[0])
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
