// Package sweepflow runs the escalation sweep as a durable Temporal
// workflow. The workflow sleeps between sweeps on a server-side timer, so a
// restarted worker resumes the schedule where it left off instead of relying
// on an in-process ticker.
package sweepflow

import (
	"context"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	// WorkflowID is fixed so at most one schedule runs per namespace.
	WorkflowID = "careflow-escalation-sweep"

	// QueryState returns the schedule's running totals.
	QueryState = "state"

	DefaultInterval   = 30 * time.Second
	DefaultIterations = 120
)

// Input configures one run of SweepWorkflow. State carries totals across
// continue-as-new boundaries.
type Input struct {
	Interval   time.Duration `json:"interval"`
	Iterations int           `json:"iterations"`
	State      State         `json:"state"`
}

// State is what the schedule has done so far.
type State struct {
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	Escalated int       `json:"escalated"`
	Assigned  int       `json:"assigned"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	LastRunAt time.Time `json:"last_run_at"`
}

func (s *State) add(sum Summary) {
	s.Escalated += sum.Escalated
	s.Assigned += sum.Assigned
	s.Skipped += sum.Skipped
	s.Failed += sum.Failed
}

func (in Input) withDefaults() Input {
	if in.Interval <= 0 {
		in.Interval = DefaultInterval
	}
	if in.Iterations <= 0 {
		in.Iterations = DefaultIterations
	}
	return in
}

// SweepWorkflow sweeps, sleeps for the interval and repeats. After
// Iterations sweeps it continues as new to keep the history bounded.
func SweepWorkflow(ctx workflow.Context, in Input) error {
	in = in.withDefaults()
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.Interval,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})

	state := in.State
	if err := workflow.SetQueryHandler(ctx, QueryState, func() (State, error) {
		return state, nil
	}); err != nil {
		return err
	}

	var a *Activities
	for i := 0; i < in.Iterations; i++ {
		var sum Summary
		if err := workflow.ExecuteActivity(ctx, a.Sweep).Get(ctx, &sum); err != nil {
			// A failed sweep is retried on the next tick.
			logger.Warn("Escalation sweep failed", "error", err)
			state.Failures++
		} else {
			state.add(sum)
			if sum.Escalated+sum.Assigned+sum.Failed > 0 {
				logger.Info("Escalation sweep",
					"escalated", sum.Escalated,
					"assigned", sum.Assigned,
					"skipped", sum.Skipped,
					"failed", sum.Failed,
				)
			}
		}
		state.Runs++
		state.LastRunAt = workflow.Now(ctx)

		if err := workflow.Sleep(ctx, in.Interval); err != nil {
			return err
		}
	}

	in.State = state
	return workflow.NewContinueAsNewError(ctx, SweepWorkflow, in)
}

// Start launches the schedule on queue. Starting it again while it is
// running returns the existing run.
func Start(ctx context.Context, c client.Client, queue string, in Input) (client.WorkflowRun, error) {
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID,
		TaskQueue: queue,
	}, SweepWorkflow, in)
}

// Status queries the running schedule.
func Status(ctx context.Context, c client.Client) (State, error) {
	var state State
	resp, err := c.QueryWorkflow(ctx, WorkflowID, "", QueryState)
	if err != nil {
		return state, err
	}
	err = resp.Get(&state)
	return state, err
}
