package harvest

import (
	"context"
	"time"
)

// Extractor turns a raw page into entities for the given page kind.
// Implementations return an error wrapping ErrParseMismatch when the page
// lacks the anchors they rely on.
type Extractor interface {
	Extract(kind PageKind, pageURL string, raw []byte) (Entities, error)
}

// Solver converts a challenge artifact into a solved token.
type Solver interface {
	Available() bool
	Solve(ctx context.Context, artifact ChallengeArtifact, timeout time.Duration) (SolvedToken, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
