package sandbox

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// NetworkPolicy controls what network access a sandboxed run gets.
type NetworkPolicy string

const (
	NetworkNone      NetworkPolicy = "none"
	NetworkWhitelist NetworkPolicy = "whitelist"
	NetworkBlacklist NetworkPolicy = "blacklist"
)

// ResourceLimits caps one execution. Immutable for the duration of a run;
// enforced by the backend at creation time, not advised after the fact.
type ResourceLimits struct {
	CPUCores      float64       `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMB      int64         `json:"memory_mb" yaml:"memory_mb"`
	DiskMB        int64         `json:"disk_mb" yaml:"disk_mb"`
	PidsLimit     int64         `json:"pids_limit" yaml:"pids_limit"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	NetworkPolicy NetworkPolicy `json:"network_policy" yaml:"network_policy"`
	AllowedHosts  []string      `json:"allowed_hosts,omitempty" yaml:"allowed_hosts"`
}

// DefaultLimits is the low-tier profile.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUCores:      0.5,
		MemoryMB:      256,
		DiskMB:        100,
		PidsLimit:     50,
		Timeout:       10 * time.Second,
		NetworkPolicy: NetworkNone,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUCores < 0.1 || rl.CPUCores > 8 {
		return fmt.Errorf("%w: cpu_cores must be 0.1-8, got %g", ErrInvalidRequest, rl.CPUCores)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 8192 {
		return fmt.Errorf("%w: memory_mb must be 16-8192, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 10240 {
		return fmt.Errorf("%w: disk_mb must be 1-10240, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 2000 {
		return fmt.Errorf("%w: pids_limit must be 5-2000, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.Timeout < time.Second || rl.Timeout > 10*time.Minute {
		return fmt.Errorf("%w: timeout must be 1s-10m, got %s", ErrInvalidRequest, rl.Timeout)
	}
	switch rl.NetworkPolicy {
	case NetworkNone, NetworkWhitelist, NetworkBlacklist:
	default:
		return fmt.Errorf("%w: network_policy must be none, whitelist, or blacklist, got %q",
			ErrInvalidRequest, rl.NetworkPolicy)
	}
	return nil
}

// ApplyResourceLimits writes the limits into an OCI runtime spec.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard CPU cap; shares would be soft, best-effort.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(limits.CPUCores * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
