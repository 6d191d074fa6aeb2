package procinfo

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/modoterra/micmon/pkg/core"
)

// Linux truncates the comm name to 15 bytes.
const commLen = 15

// GopsutilSource reads process metadata through gopsutil.
type GopsutilSource struct{}

// ImagePath returns the executable path of pid. The error wraps
// core.ErrNotFound when the process is gone or its exe link is unreadable.
func (GopsutilSource) ImagePath(pid int) (string, error) {
	//nolint:gosec // pids fit in int32
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("pid %d: %w", pid, errors.Join(core.ErrNotFound, err))
	}
	exe, err := p.Exe()
	if err != nil {
		return "", fmt.Errorf("pid %d exe: %w", pid, errors.Join(core.ErrNotFound, err))
	}
	return exe, nil
}

// FindByName returns the newest process whose comm name or executable
// base name is name. Processes whose metadata cannot be fully read are
// skipped.
func (GopsutilSource) FindByName(name string) (int, string, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, "", fmt.Errorf("list processes: %w", err)
	}

	comm := name
	if len(comm) > commLen {
		comm = comm[:commLen]
	}

	var (
		best     *process.Process
		bestPath string
		bestTime int64
	)
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			continue
		}
		exe, err := p.Exe()
		if err != nil {
			exe = ""
		}
		if n != comm && n != name && (exe == "" || filepath.Base(exe) != name) {
			continue
		}
		created, err := p.CreateTime()
		if err != nil {
			continue
		}
		if best == nil || betterMatch(exe, created, bestPath, bestTime) {
			best, bestPath, bestTime = p, exe, created
		}
	}
	if best == nil {
		return 0, "", fmt.Errorf("no process named %q: %w", name, core.ErrNotFound)
	}
	return int(best.Pid), bestPath, nil
}

// betterMatch prefers a process with a readable executable path, then the
// most recently started one.
func betterMatch(path string, created int64, bestPath string, bestCreated int64) bool {
	if (path != "") != (bestPath != "") {
		return path != ""
	}
	return created > bestCreated
}
