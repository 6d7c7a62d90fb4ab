package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// secretLikeName matches environment variable names that must never enter a
// sandbox, even when explicitly requested.
var secretLikeName = regexp.MustCompile(`(?i)(KEY|SECRET|TOKEN|PASSWORD|CREDENTIAL|AUTH)`)

// baseEnv is the fixed allow-list every sandbox receives. The ambient process
// environment is never propagated wholesale.
var baseEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"SANDBOX=true",
}

// BuildEnv returns the sandbox environment: the base allow-list plus any
// explicitly requested extras. An extra whose name looks secret-like is
// refused outright rather than silently dropped, so the caller learns the
// request was unsafe.
func BuildEnv(extra []string) ([]string, error) {
	env := make([]string, len(baseEnv), len(baseEnv)+len(extra))
	copy(env, baseEnv)

	for _, kv := range extra {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: malformed env entry %q", ErrInvalidRequest, kv)
		}
		if secretLikeName.MatchString(name) {
			return nil, fmt.Errorf("%w: %s", ErrSecretEnv, name)
		}
		env = append(env, kv)
	}

	return env, nil
}
