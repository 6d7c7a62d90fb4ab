package monitor

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeSignal is a suspicious marker found in sandbox output. Pre-execution
// code scanning belongs to the validator; this is the post-execution side,
// looking for evidence that isolation was probed or breached.
type EscapeSignal struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

var outputSignals = []struct {
	name   string
	substr string
	sev    string
}{
	{"passwd_leak", "root:x:0:0", "critical"},
	{"docker_socket", "docker.sock", "critical"},
	{"containerd_socket", "containerd.sock", "critical"},
	{"kernel_leak", "Linux version", "high"},
	{"cgroup_probe", "/sys/fs/cgroup", "high"},
	{"metadata_leak", "169.254.169.254", "high"},
	{"host_info_leak", "host:", "medium"},
}

// AnalyzeOutput scans combined stdout/stderr for signs of an escape attempt.
// The caller decides what to do with the signals; this only reports.
func AnalyzeOutput(execID, output string) []EscapeSignal {
	var signals []EscapeSignal

	for _, p := range outputSignals {
		if strings.Contains(output, p.substr) {
			signals = append(signals, EscapeSignal{
				Name:     p.name,
				Severity: p.sev,
				Detail:   "suspicious content in output: " + p.name,
			})

			log.Warn().
				Str("exec_id", execID).
				Str("signal", p.name).
				Str("severity", p.sev).
				Msg("escape signal detected in sandbox output")
		}
	}

	return signals
}
