package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Severity levels for pattern matches.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a severity name to its level. Unknown names map to
// SeverityLow rather than failing, so a typo in a pattern file degrades the
// score instead of breaking validation.
func ParseSeverity(s string) Severity {
	switch s {
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// Pattern is one dangerous-call detection rule.
type Pattern struct {
	ID          string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// BuiltinPatterns is the fixed fallback set used when no pattern source is
// configured or the configured source fails.
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{
			ID:          "dynamic_eval",
			Description: "dynamic code evaluation",
			Regex:       regexp.MustCompile(`\beval\s*\(|\bexec\s*\(|new\s+Function\s*\(|\bcompile\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			ID:          "shell_invocation",
			Description: "shell command invocation",
			Regex:       regexp.MustCompile(`child_process|subprocess\.|os\.system|\bpopen\s*\(|execSync|spawnSync`),
			Severity:    SeverityCritical,
		},
		{
			ID:          "unrestricted_fs_write",
			Description: "unrestricted filesystem write",
			Regex:       regexp.MustCompile(`\b(writeFileSync|writeFile|unlinkSync|rmSync|rmdirSync)\s*\(|shutil\.rmtree|os\.remove`),
			Severity:    SeverityHigh,
		},
		{
			ID:          "unscoped_network",
			Description: "unscoped network access",
			Regex:       regexp.MustCompile(`\b(fetch|axios|XMLHttpRequest)\b|https?\.request|urllib\.request|requests\.(get|post|put|delete)|net\.(Socket|connect)`),
			Severity:    SeverityMedium,
		},
		{
			ID:          "prototype_pollution",
			Description: "prototype/object pollution",
			Regex:       regexp.MustCompile(`__proto__|Object\.setPrototypeOf|constructor\s*\[\s*['"]prototype['"]\s*\]`),
			Severity:    SeverityHigh,
		},
		{
			ID:          "env_harvest",
			Description: "bulk environment variable access",
			Regex:       regexp.MustCompile(`process\.env(?:\s*$|[^.\w])|os\.environ\b`),
			Severity:    SeverityMedium,
		},
		{
			ID:          "engine_socket_access",
			Description: "container engine control socket access",
			Regex:       regexp.MustCompile(`/var/run/docker|/run/containerd|docker\.sock|containerd\.sock`),
			Severity:    SeverityCritical,
		},
		{
			ID:          "proc_self_access",
			Description: "accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)`),
			Severity:    SeverityHigh,
		},
		{
			ID:          "metadata_service",
			Description: "cloud metadata service access",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			ID:          "reverse_shell",
			Description: "reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
	}
}

// FileSource loads a pattern set from a YAML file.
type FileSource struct {
	Path string
}

type patternFile struct {
	Patterns []struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
		Regex       string `yaml:"regex"`
		Severity    string `yaml:"severity"`
	} `yaml:"patterns"`
}

// Load reads and compiles the pattern file. A pattern with an invalid regex
// fails the whole load; the caller falls back to the built-in set.
func (f FileSource) Load(ctx context.Context) ([]Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Clean(f.Path)) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatternLoad, err)
	}

	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrPatternLoad, f.Path, err)
	}

	patterns := make([]Pattern, 0, len(pf.Patterns))
	for _, p := range pf.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrPatternLoad, p.ID, err)
		}
		patterns = append(patterns, Pattern{
			ID:          p.ID,
			Description: p.Description,
			Regex:       re,
			Severity:    ParseSeverity(p.Severity),
		})
	}

	return patterns, nil
}
