package sandbox

import (
	"errors"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestResourceLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ResourceLimits)
		wantErr bool
	}{
		{"defaults valid", func(rl *ResourceLimits) {}, false},
		{"zero cpu", func(rl *ResourceLimits) { rl.CPUCores = 0 }, true},
		{"excess cpu", func(rl *ResourceLimits) { rl.CPUCores = 16 }, true},
		{"tiny memory", func(rl *ResourceLimits) { rl.MemoryMB = 8 }, true},
		{"excess memory", func(rl *ResourceLimits) { rl.MemoryMB = 1 << 20 }, true},
		{"zero disk", func(rl *ResourceLimits) { rl.DiskMB = 0 }, true},
		{"low pids", func(rl *ResourceLimits) { rl.PidsLimit = 1 }, true},
		{"sub-second timeout", func(rl *ResourceLimits) { rl.Timeout = 100 * time.Millisecond }, true},
		{"excess timeout", func(rl *ResourceLimits) { rl.Timeout = time.Hour }, true},
		{"bad policy", func(rl *ResourceLimits) { rl.NetworkPolicy = "open" }, true},
		{"whitelist policy", func(rl *ResourceLimits) { rl.NetworkPolicy = NetworkWhitelist }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := DefaultLimits()
			tt.mutate(&limits)
			err := limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest sentinel", err)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	limits := DefaultLimits()
	limits.CPUCores = 1.0
	limits.MemoryMB = 512
	limits.PidsLimit = 64

	ApplyResourceLimits(spec, limits)

	cpu := spec.Linux.Resources.CPU
	if cpu == nil || cpu.Quota == nil || cpu.Period == nil {
		t.Fatal("CPU limits not applied")
	}
	if *cpu.Quota != int64(*cpu.Period) {
		t.Errorf("1 core quota = %d with period %d, want equal", *cpu.Quota, *cpu.Period)
	}

	mem := spec.Linux.Resources.Memory
	if mem == nil || mem.Limit == nil || *mem.Limit != 512*1024*1024 {
		t.Fatal("memory limit not applied")
	}
	if mem.Swap == nil || *mem.Swap != *mem.Limit {
		t.Error("swap not pinned to memory limit")
	}

	if spec.Linux.Resources.Pids == nil || spec.Linux.Resources.Pids.Limit != 64 {
		t.Error("pids limit not applied")
	}

	foundTmp := false
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" && m.Type == "tmpfs" {
			foundTmp = true
		}
	}
	if !foundTmp {
		t.Error("tmpfs mount for /tmp not added")
	}

	if len(spec.Process.Rlimits) == 0 {
		t.Error("process rlimits not applied")
	}
}
