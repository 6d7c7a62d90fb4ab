// Package runtime maps artifact languages to their execution commands and
// container images.
package runtime

import (
	"fmt"
	"sort"
)

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "node", "bash").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// Command returns the command and args to execute code at codePath inside
	// a container or VM.
	Command(codePath string) []string

	// HostCommand returns the command for the process backend, which runs the
	// interpreter installed on the host.
	HostCommand(codePath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&NodeRuntime{})
	r.Register(&BashRuntime{})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %v)", language, r.Languages())
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string  { return "python" }
func (p *PythonRuntime) Image() string { return "docker.io/library/python:3.12-slim" }

func (p *PythonRuntime) Command(codePath string) []string {
	return []string{"python3", "-u", "-B", codePath}
}

func (p *PythonRuntime) HostCommand(codePath string) []string {
	return p.Command(codePath)
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

// NodeRuntime configures execution of JavaScript code.
type NodeRuntime struct{}

func (n *NodeRuntime) Name() string  { return "node" }
func (n *NodeRuntime) Image() string { return "docker.io/library/node:22-slim" }

func (n *NodeRuntime) Command(codePath string) []string {
	return []string{"node", "--no-warnings", codePath}
}

func (n *NodeRuntime) HostCommand(codePath string) []string {
	return n.Command(codePath)
}

func (n *NodeRuntime) FileExtension() string { return ".js" }

// BashRuntime configures execution of shell scripts.
type BashRuntime struct{}

func (b *BashRuntime) Name() string  { return "bash" }
func (b *BashRuntime) Image() string { return "docker.io/library/bash:5.2" }

func (b *BashRuntime) Command(codePath string) []string {
	return []string{"bash", codePath}
}

func (b *BashRuntime) HostCommand(codePath string) []string {
	return b.Command(codePath)
}

func (b *BashRuntime) FileExtension() string { return ".sh" }
