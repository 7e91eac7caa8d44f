package sweepflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/domain/triage"
)

type fakeSweeper struct {
	mu     sync.Mutex
	calls  int
	result *triage.SweepResult
	err    error
}

func (f *fakeSweeper) SweepEscalations(context.Context) (*triage.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

type SweepWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func TestSweepWorkflowSuite(t *testing.T) {
	suite.Run(t, new(SweepWorkflowSuite))
}

func (s *SweepWorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
}

func (s *SweepWorkflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *SweepWorkflowSuite) state() State {
	val, err := s.env.QueryWorkflow(QueryState)
	s.Require().NoError(err)
	var st State
	s.Require().NoError(val.Get(&st))
	return st
}

func (s *SweepWorkflowSuite) requireContinuedAsNew() {
	s.True(s.env.IsWorkflowCompleted())
	var can *workflow.ContinueAsNewError
	s.True(errors.As(s.env.GetWorkflowError(), &can), "expected continue-as-new, got %v", s.env.GetWorkflowError())
}

func (s *SweepWorkflowSuite) Test_SweepsThenContinuesAsNew() {
	sweeper := &fakeSweeper{result: &triage.SweepResult{
		Escalations: []triage.Escalation{{CaseID: uuid.New(), FromLevel: 0, ToLevel: 1}},
		Skipped:     []triage.SkippedCase{{CaseID: uuid.New(), Reason: triage.SkipLadderExhausted}},
	}}
	s.env.RegisterActivity(NewActivities(sweeper))

	s.env.ExecuteWorkflow(SweepWorkflow, Input{Interval: time.Minute, Iterations: 3})

	s.requireContinuedAsNew()
	s.Equal(3, sweeper.calls)
	st := s.state()
	s.Equal(3, st.Runs)
	s.Equal(3, st.Escalated)
	s.Equal(3, st.Skipped)
	s.Zero(st.Failures)
	s.False(st.LastRunAt.IsZero())
}

func (s *SweepWorkflowSuite) Test_FailedSweepDoesNotStopSchedule() {
	var a *Activities
	s.env.RegisterActivity(NewActivities(&fakeSweeper{}))
	s.env.OnActivity(a.Sweep, mock.Anything).Return(nil, errors.New("database unavailable")).Times(3)
	s.env.OnActivity(a.Sweep, mock.Anything).Return(&Summary{Assigned: 1}, nil)

	s.env.ExecuteWorkflow(SweepWorkflow, Input{Interval: time.Minute, Iterations: 2})

	s.requireContinuedAsNew()
	st := s.state()
	s.Equal(2, st.Runs)
	s.Equal(1, st.Failures, "retries exhausted on the first tick")
	s.Equal(1, st.Assigned)
}

func (s *SweepWorkflowSuite) Test_CarriesTotalsAcrossRuns() {
	var a *Activities
	s.env.RegisterActivity(NewActivities(&fakeSweeper{}))
	s.env.OnActivity(a.Sweep, mock.Anything).Return(&Summary{Escalated: 2}, nil)

	s.env.ExecuteWorkflow(SweepWorkflow, Input{
		Interval:   time.Minute,
		Iterations: 1,
		State:      State{Runs: 10, Escalated: 5},
	})

	s.requireContinuedAsNew()
	st := s.state()
	s.Equal(11, st.Runs)
	s.Equal(7, st.Escalated)
}

func TestActivities_SweepPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewActivities(&fakeSweeper{err: boom}).Sweep(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected sweeper error, got %v", err)
	}
}

func TestInput_Defaults(t *testing.T) {
	in := Input{}.withDefaults()
	if in.Interval != DefaultInterval || in.Iterations != DefaultIterations {
		t.Errorf("unexpected defaults %+v", in)
	}
	in = Input{Interval: time.Second, Iterations: 4}.withDefaults()
	if in.Interval != time.Second || in.Iterations != 4 {
		t.Errorf("explicit values should be kept, got %+v", in)
	}
}
