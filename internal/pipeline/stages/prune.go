package stages

import (
	"context"
	"log/slog"

	"github.com/codecompass-ai/compassd/internal/pipeline"
	"github.com/codecompass-ai/compassd/internal/prune"
)

// Prune applies the workspace cleanup rule and verifies its post-condition.
// The stage never skips: the post-condition must hold even when the build
// stages were skipped.
type Prune struct {
	pruner prune.Pruner

	log *slog.Logger
}

// NewPrune returns the prune stage wrapping the given pruner.
func NewPrune(l *slog.Logger, pruner prune.Pruner) Prune {
	return Prune{
		pruner: pruner,
		log:    l,
	}
}

// Name implements pipeline.Stage.
func (s Prune) Name() string { return "prune" }

// Fingerprint implements pipeline.Stage. Pruning has no inputs and always runs.
func (s Prune) Fingerprint() (string, error) { return "", nil }

// Run implements pipeline.Stage.
func (s Prune) Run(_ context.Context) (pipeline.Report, error) {
	res, err := s.pruner.Run()
	if err != nil {
		return pipeline.Report{}, err
	}

	if err := s.pruner.Verify(); err != nil {
		return pipeline.Report{}, err
	}

	if len(res.Removed) > 0 {
		s.log.Info("Pruned build directories", "count", len(res.Removed), "bytes", res.BytesReclaimed)
	}
	return pipeline.Report{
		PrunedDirs:     len(res.Removed),
		BytesReclaimed: res.BytesReclaimed,
	}, nil
}
