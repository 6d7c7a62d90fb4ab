package artifact

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Artifact is an immutable unit of model-generated code handed to the
// execution pipeline. It is created once by the code-generation collaborator
// and never mutated.
type Artifact struct {
	ID       string
	Source   string
	Language string
}

// New creates an artifact with a fresh ID.
func New(source, language string) Artifact {
	return Artifact{
		ID:       uuid.New().String(),
		Source:   source,
		Language: language,
	}
}

// Hash returns the SHA-256 of the source text, used for audit attribution
// without persisting the code itself.
func (a Artifact) Hash() string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(a.Source)))
}

// LineCount returns the number of source lines.
func (a Artifact) LineCount() int {
	if a.Source == "" {
		return 0
	}
	return strings.Count(a.Source, "\n") + 1
}
