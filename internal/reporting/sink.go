package reporting

import (
	"context"
	"errors"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// Sink consumes batches of finalised reports. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []pipeline.RunReport) error
	Close(ctx context.Context) error
}

// Emitter accepts single reports. Hub satisfies it so the orchestrator does
// not care how reports are buffered.
type Emitter interface {
	Emit(report pipeline.RunReport)
}

// Validate rejects reports that were never finalised.
func Validate(r pipeline.RunReport) error {
	switch {
	case r.ID == "":
		return errors.New("report id is required")
	case r.TargetID == "":
		return errors.New("report target is required")
	case r.FinishedAt.IsZero():
		return errors.New("report is not finalized")
	}
	switch r.State {
	case pipeline.StateSucceeded, pipeline.StateFailed, pipeline.StateSkipped:
		return nil
	}
	return errors.New("report is not in a terminal state")
}
