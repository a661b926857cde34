// Package escalation runs the follow-up SLA sweep: open intervention
// cases whose follow-up date has passed are escalated automatically.
// Escalation is a normal state transition through the workflow engine,
// never a forced abort.
package escalation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meridian-hq/meridian/pkg/audit"
	"meridian-hq/meridian/pkg/intervention"
	wfengine "meridian-hq/meridian/pkg/workflow/engine"
)

// Sweeper finds overdue open cases and escalates them.
type Sweeper struct {
	store     intervention.Store
	workflows *wfengine.Engine
	logger    *slog.Logger
	clock     func() time.Time
}

// NewSweeper creates an SLA sweeper.
func NewSweeper(store intervention.Store, workflows *wfengine.Engine) *Sweeper {
	return &Sweeper{
		store:     store,
		workflows: workflows,
		logger:    slog.Default().With("component", "escalation"),
		clock:     time.Now,
	}
}

// SetClock overrides the sweeper clock for tests.
func (s *Sweeper) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Sweep escalates every open, not-yet-escalated case whose follow-up
// date is due, and returns how many cases were escalated. A failure
// on one case is logged and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock()
	due, err := s.store.List(ctx, intervention.Filter{
		OnlyOpen:      true,
		FollowupDueBy: now,
	})
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, iv := range due {
		if iv.Status == intervention.StatusEscalated {
			continue
		}

		reason := "follow-up overdue since " + iv.FollowupDate.Format(time.RFC3339)
		if err := s.workflows.Escalate(ctx, iv.ID, reason, audit.System); err != nil {
			// A case closed or escalated by a concurrent writer is not a
			// sweep failure.
			if errors.Is(err, intervention.ErrConcurrentModification) ||
				errors.Is(err, wfengine.ErrTerminalStatus) {
				continue
			}
			s.logger.Error("sla escalation failed",
				"intervention_id", iv.ID,
				"number", iv.Number,
				"error", err,
			)
			continue
		}

		escalated++
		s.logger.Info("case escalated by sla sweep",
			"intervention_id", iv.ID,
			"number", iv.Number,
			"subject_id", iv.SubjectID,
			"followup_date", iv.FollowupDate,
		)
	}

	return escalated, nil
}
