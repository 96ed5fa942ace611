package mission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunRepository defines persistence for mission runs. Runs are addressed by
// RunID: sequences are only unique within one server process.
type RunRepository interface {
	Create(ctx context.Context, run *Run) error
	MarkLoaded(ctx context.Context, runID uuid.UUID, loadedAt time.Time) error
	Finish(ctx context.Context, runID uuid.UUID, outcome Outcome, endedAt time.Time) error
	Get(ctx context.Context, runID uuid.UUID) (*Run, error)
	List(ctx context.Context, connectionID *string, limit, offset int) ([]*Run, error)
}
