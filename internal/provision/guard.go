package provision

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Step names a mutating step of a provisioning run.
type Step string

const (
	StepConfigureTimeout    = Step("configure-timeout")
	StepCreateVolume        = Step("create-volume")
	StepRestoreVolume       = Step("restore-volume")
	StepCreateVolumeGroup   = Step("create-volume-group")
	StepCreateLogicalVolume = Step("create-logical-volume")
	StepLuksFormat          = Step("luks-format")
	StepLuksOpen            = Step("luks-open")
	StepCreateFilesystem    = Step("create-filesystem")
	StepMount               = Step("mount")
)

// Outcome is the result of a guarded step.
type Outcome int

const (
	// OutcomeSkipped means the desired state already held and nothing was changed.
	OutcomeSkipped Outcome = iota
	// OutcomeApplied means the step was executed successfully.
	OutcomeApplied
	// OutcomeFailed means the check or the step returned an error.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Action is a mutating step paired with the check that decides whether it is needed.
type Action struct {
	Step Step
	// Satisfied reports whether the desired state already holds.
	// A nil Satisfied means the step always runs.
	Satisfied func(ctx context.Context) (bool, error)
	Apply     func(ctx context.Context) error
}

// Guard runs actions only when their desired state does not hold yet.
// The guard itself performs no mutation besides calling Apply.
type Guard struct {
	recorder StepRecorder
	now      func() time.Time
}

// NewGuard returns a Guard reporting outcomes to recorder, which may be nil.
func NewGuard(recorder StepRecorder) *Guard {
	return &Guard{recorder: recorder, now: time.Now}
}

// Run checks and, if needed, applies a.
// Errors are returned as *StepError wrapping the collaborator error.
func (g *Guard) Run(ctx context.Context, a Action) (Outcome, error) {
	logger := log.FromContext(ctx).WithValues("step", a.Step)
	start := g.now()

	outcome, err := g.run(ctx, a)
	if g.recorder != nil {
		g.recorder.ObserveStep(a.Step, outcome, g.now().Sub(start))
	}
	switch outcome {
	case OutcomeSkipped:
		logger.V(1).Info("desired state already holds, skipping")
	case OutcomeApplied:
		logger.V(1).Info("applied")
	case OutcomeFailed:
		logger.Error(err, "step failed")
	}
	return outcome, err
}

func (g *Guard) run(ctx context.Context, a Action) (Outcome, error) {
	if a.Satisfied != nil {
		ok, err := a.Satisfied(ctx)
		if err != nil {
			return OutcomeFailed, &StepError{Step: a.Step, Err: err}
		}
		if ok {
			return OutcomeSkipped, nil
		}
	}
	if err := a.Apply(ctx); err != nil {
		return OutcomeFailed, &StepError{Step: a.Step, Err: err}
	}
	return OutcomeApplied, nil
}
