package monitor

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MemoryReader reports memory figures in bytes.
type MemoryReader interface {
	// ProcessRSS is the resident set size of this process.
	ProcessRSS(ctx context.Context) (uint64, error)
	// SystemAvailable is the host memory still available to allocate, with
	// the host total.
	SystemAvailable(ctx context.Context) (available, total uint64, err error)
}

// ProcessMemory reads figures for the current process through gopsutil.
type ProcessMemory struct {
	proc *process.Process
}

// NewProcessMemory binds to the running process.
func NewProcessMemory() (*ProcessMemory, error) {
	p, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pids fit in int32.
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	return &ProcessMemory{proc: p}, nil
}

// ProcessRSS implements MemoryReader.
func (m *ProcessMemory) ProcessRSS(ctx context.Context) (uint64, error) {
	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read process memory: %w", err)
	}
	return info.RSS, nil
}

// SystemAvailable implements MemoryReader.
func (m *ProcessMemory) SystemAvailable(ctx context.Context) (uint64, uint64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read system memory: %w", err)
	}
	return v.Available, v.Total, nil
}
