package deps

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"linkpool/internal/config"
)

// Requirement defines an external dependency linkpool relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// Requirements lists the binaries the conversion bridge needs.
func Requirements(cfg *config.Config) []Requirement {
	return []Requirement{{
		Name:        "Bridge interpreter",
		Command:     cfg.Bridge.Interpreter,
		Description: "Runs the link conversion script",
	}}
}

// Check evaluates the bridge requirements and the bundle directory.
func Check(cfg *config.Config) []Status {
	results := CheckBinaries(Requirements(cfg))
	return append(results, CheckDirectory("Bridge bundle", cfg.Bridge.BundleDir, true))
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		resolved, err := exec.LookPath(cmd)
		if err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Command = resolved
		results = append(results, status)
	}
	return results
}

// CheckDirectory reports whether path is an existing directory. An unset
// path is reported as unavailable with a "not configured" detail.
func CheckDirectory(name, path string, optional bool) Status {
	status := Status{Name: name, Command: path, Optional: optional}
	path = strings.TrimSpace(path)
	if path == "" {
		status.Detail = "not configured"
		return status
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		status.Detail = fmt.Sprintf("directory %q not found", path)
	case !info.IsDir():
		status.Detail = fmt.Sprintf("%q is not a directory", path)
	default:
		status.Available = true
	}
	return status
}
