package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"secure-agent-exec/internal/artifact"
)

// ErrPatternLoad indicates the configured pattern source failed; the validator
// recovers by falling back to the built-in set.
var ErrPatternLoad = errors.New("pattern set load failed")

// loadTimeout bounds how long the first caller waits on a pattern source
// before falling back to the built-in set.
const loadTimeout = 5 * time.Second

// Finding is one dangerous-pattern match in an artifact.
type Finding struct {
	PatternID string   `json:"pattern_id"`
	Severity  Severity `json:"severity"`
	Line      int      `json:"line"`
	Column    int      `json:"column"`
	Detail    string   `json:"detail"`
}

// PatternSource supplies the dangerous-call pattern set, typically from a
// policy file. Load is called at most once per validator regardless of
// call concurrency.
type PatternSource interface {
	Load(ctx context.Context) ([]Pattern, error)
}

// Validator scans artifacts for dangerous call patterns. It is safe for
// concurrent use: the pattern set is loaded once via single-flight, and each
// Validate call keeps its own scan state.
type Validator struct {
	source PatternSource

	group    singleflight.Group
	patterns []Pattern // immutable once set
	loaded   chan struct{}
}

// New creates a validator backed by the given pattern source. A nil source
// uses the built-in pattern set directly.
func New(source PatternSource) *Validator {
	return &Validator{
		source: source,
		loaded: make(chan struct{}),
	}
}

// Validate scans the artifact and returns findings ordered by source
// location. The ordering is a contract: risk scoring must be deterministic
// for identical inputs.
func (v *Validator) Validate(ctx context.Context, art artifact.Artifact) ([]Finding, error) {
	patterns, err := v.patternSet(ctx)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	lines := strings.Split(art.Source, "\n")
	for i, line := range lines {
		for _, p := range patterns {
			locs := p.Regex.FindAllStringIndex(line, -1)
			for _, loc := range locs {
				findings = append(findings, Finding{
					PatternID: p.ID,
					Severity:  p.Severity,
					Line:      i + 1,
					Column:    loc[0] + 1,
					Detail:    p.Description,
				})
			}
		}
	}

	// Repeated matches of the same pattern are kept: repetition is itself a
	// risk signal for the assessor.
	sort.SliceStable(findings, func(a, b int) bool {
		if findings[a].Line != findings[b].Line {
			return findings[a].Line < findings[b].Line
		}
		return findings[a].Column < findings[b].Column
	})

	return findings, nil
}

// patternSet returns the loaded pattern set, performing the one-time load on
// first use. Concurrent callers attach to the same in-flight load instead of
// re-loading.
func (v *Validator) patternSet(ctx context.Context) ([]Pattern, error) {
	select {
	case <-v.loaded:
		return v.patterns, nil
	default:
	}

	ch := v.group.DoChan("load", func() (any, error) {
		v.patterns = v.loadOnce()
		close(v.loaded)
		return v.patterns, nil
	})

	select {
	case res := <-ch:
		return res.Val.([]Pattern), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *Validator) loadOnce() []Pattern {
	if v.source == nil {
		return BuiltinPatterns()
	}

	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()

	patterns, err := v.source.Load(ctx)
	if err != nil || len(patterns) == 0 {
		if err == nil {
			err = fmt.Errorf("%w: source returned no patterns", ErrPatternLoad)
		}
		log.Warn().Err(err).Msg("pattern source unavailable, using built-in set")
		return BuiltinPatterns()
	}

	log.Info().Int("count", len(patterns)).Msg("pattern set loaded")
	return patterns
}
