package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAttemptsExhausted is returned by Execute when every attempt failed
// without the candidates running out.
var ErrAttemptsExhausted = errors.New("maximum attempts reached")

// CallFunc performs one provider call with the candidate
type CallFunc func(ctx context.Context, c *Candidate) Outcome

// CallError is a call that failed in a way another candidate cannot fix.
type CallError struct {
	Outcome Outcome
}

func (e *CallError) Error() string {
	return fmt.Sprintf("provider call failed: %s", e.Outcome.Message)
}

// Execute runs the caller's fallback loop: select, call, report, and select
// again on a binding not yet tried, at most MaxAttempts times. It returns
// the candidate that succeeded with its outcome. A NotFoundError means the
// candidates ran out; a CallError means the call itself was rejected.
func (b *Broker) Execute(ctx context.Context, req Requirement, call CallFunc) (*Candidate, Outcome, error) {
	// own copy so the caller's slice is never appended to
	req.Exclude = append([]uuid.UUID(nil), req.Exclude...)

	var last Outcome
	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, last, err
		}

		c, err := b.SelectCandidate(ctx, req)
		if err != nil {
			return nil, last, err
		}

		last = call(ctx, c)
		if err := b.Report(ctx, c, last); err != nil {
			b.logger.Error("Failed to report outcome", "binding_id", c.Binding.ID, "error", err)
		}

		switch last.Kind {
		case OutcomeSuccess:
			return c, last, nil
		case OutcomeHardError:
			return c, last, &CallError{Outcome: last}
		}

		b.logger.Debug("Attempt failed, trying next candidate",
			"attempt", attempt, "binding_id", c.Binding.ID, "outcome", last.Kind)
		req.Exclude = append(req.Exclude, c.Binding.ID)
	}

	return nil, last, fmt.Errorf("%w (%d)", ErrAttemptsExhausted, b.config.MaxAttempts)
}
