// Package orchestrator implements the top-level phase/step state machine:
// initialize, iterate phases (discuss, plan, execute, verify), the gap
// loop, completion, resume, and shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"autopilot/internal/broker"
	"autopilot/internal/config"
	"autopilot/internal/eventlog"
	"autopilot/internal/facade"
	"autopilot/internal/logx"
	"autopilot/internal/metrics"
	"autopilot/internal/model"
	"autopilot/internal/notify"
	"autopilot/internal/state"
)

// ActivityRecorder is the subset of activity.Store the orchestrator depends on.
type ActivityRecorder interface {
	Add(kind model.ActivityType, message string, metadata map[string]any)
}

// Orchestrator drives the roadmap's phases through their discuss, plan,
// execute and verify steps.
type Orchestrator struct {
	cfg      config.Config
	store    *state.Store
	broker   *broker.Broker
	facade   *facade.Facade
	notifier *notify.Manager
	events   *eventlog.Writer
	activity ActivityRecorder
	metrics  *metrics.Metrics
	logger   *logx.Logger
}

// New wires an Orchestrator from its collaborators.
func New(
	cfg config.Config,
	store *state.Store,
	br *broker.Broker,
	fac *facade.Facade,
	notifier *notify.Manager,
	events *eventlog.Writer,
	act ActivityRecorder,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		broker:   br,
		facade:   fac,
		notifier: notifier,
		events:   events,
		activity: act,
		metrics:  m,
		logger:   logx.NewLogger("orchestrator"),
	}
}

// Initialize generates a roadmap for a fresh run, or (on resume) re-emits
// any pending question left over from a prior crash so the operator gets
// nudged again. Resume semantics: the old suspension handle is gone —
// only the persisted question metadata survives — so each pending question
// is re-sent to the notification adapters and given a reminder; no broker
// handle is created for it.
func (o *Orchestrator) Initialize(ctx context.Context, brief string) error {
	snap := o.store.Snapshot()

	if len(snap.Phases) > 0 {
		return o.reemitPendingOnResume(ctx, snap)
	}

	outcome, err := o.facade.Run(ctx, brief, 0, model.StepIdle, facade.RunOptions{
		Command:    "initialize",
		Depth:      string(o.cfg.Depth),
		Model:      string(o.cfg.Model),
		AutoAnswer: o.cfg.AutoAnswer,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if !outcome.Success {
		return fmt.Errorf("initialize: agent failed to produce a roadmap: %s", outcome.Error)
	}

	phases := parseRoadmap(outcome.ResultText)

	_, err = o.store.Apply(func(ws *model.WorkflowState) error {
		ws.Phases = phases
		return nil
	})
	return err
}

func (o *Orchestrator) reemitPendingOnResume(ctx context.Context, snap *model.WorkflowState) error {
	if len(snap.PendingQuestions) == 0 {
		return nil
	}
	for _, q := range snap.PendingQuestions {
		n := questionNotification(q)
		o.notifier.Notify(ctx, n)
		o.notifier.StartReminder(q.ID, n)
	}
	return nil
}

// Run executes the phase loop to completion, or until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	lo, hi, err := config.ParsePhaseRange(o.cfg.PhaseRange)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if _, err := o.store.Apply(func(ws *model.WorkflowState) error {
		if ws.Status == model.StatusIdle {
			ws.Status = model.StatusRunning
		}
		return nil
	}); err != nil {
		return err
	}

	for {
		snap := o.store.Snapshot()
		phase := nextPendingPhase(snap, lo, hi)
		if phase == nil {
			break
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if err := o.runPhase(ctx, phase.Number); err != nil {
			return fmt.Errorf("phase %d: %w", phase.Number, err)
		}
	}

	return o.complete(ctx)
}

// nextPendingPhase returns the first phase within [lo,hi] (0,0 meaning
// "all") whose status is neither completed nor skipped, or nil if none
// remain.
func nextPendingPhase(ws *model.WorkflowState, lo, hi int) *model.Phase {
	for _, p := range ws.Phases {
		if lo != 0 && (p.Number < lo || p.Number > hi) {
			continue
		}
		if p.Status != model.PhaseCompleted && p.Status != model.PhaseSkipped {
			return p
		}
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context) error {
	outcome, err := o.facade.Run(ctx, "milestone complete", 0, model.StepDone, facade.RunOptions{
		Command: "complete",
	})
	if err != nil {
		o.logger.Warn("milestone-completion command failed: %v", err)
	} else if !outcome.Success {
		o.logger.Warn("milestone-completion command reported failure: %s", outcome.Error)
	}

	o.notifier.Notify(ctx, model.Notification{
		ID:        uuid.NewString(),
		Type:      model.NotificationComplete,
		Title:     "Build complete",
		Body:      "The workflow has finished every phase.",
		Severity:  model.SeverityInfo,
		CreatedAt: time.Now().UTC(),
	})

	o.recordEvent("build-complete", nil)
	o.activity.Add(model.ActivityBuildComplete, "Build complete", nil)

	_, err = o.store.Apply(func(ws *model.WorkflowState) error {
		ws.Status = model.StatusComplete
		ws.CurrentStep = model.StepDone
		return nil
	})
	return err
}

// runPhase drives one phase through discuss -> plan -> execute -> verify,
// including the gap-recovery loop, per spec.md §4.8.
func (o *Orchestrator) runPhase(ctx context.Context, phaseNumber int) error {
	if _, err := o.store.Apply(func(ws *model.WorkflowState) error {
		p := findPhase(ws, phaseNumber)
		if p == nil {
			return fmt.Errorf("unknown phase %d", phaseNumber)
		}
		p.Status = model.PhaseInProgress
		if p.StartedAt == nil {
			now := time.Now().UTC()
			p.StartedAt = &now
		}
		ws.CurrentPhase = phaseNumber
		return nil
	}); err != nil {
		return err
	}
	o.recordEvent("phase-started", map[string]any{"phase": phaseNumber})
	o.activity.Add(model.ActivityPhaseStarted, fmt.Sprintf("Phase %d started", phaseNumber), map[string]any{"phase": phaseNumber})

	if err := o.runDiscuss(ctx, phaseNumber); err != nil {
		return o.failPhase(ctx, phaseNumber, err)
	}

	verdict, err := o.runPlanExecuteVerify(ctx, phaseNumber)
	if err != nil {
		return o.failPhase(ctx, phaseNumber, err)
	}

	switch verdict {
	case VerdictPassed:
		return o.completePhase(ctx, phaseNumber)
	default:
		// Human chose skip during human_needed handling; the phase was
		// already marked skipped by handleHumanNeeded. Abort arrives as an
		// error above.
		return nil
	}
}

// stepDone reports whether step is already marked done for phaseNumber in
// the persisted state, so a resumed run can pick up exactly where a prior
// process left off instead of restarting the step sequence.
func (o *Orchestrator) stepDone(phaseNumber int, step model.Step) bool {
	p := findPhase(o.store.Snapshot(), phaseNumber)
	return p != nil && p.Steps[step]
}

func (o *Orchestrator) runDiscuss(ctx context.Context, phaseNumber int) error {
	if o.stepDone(phaseNumber, model.StepDiscuss) {
		return nil
	}
	if o.cfg.SkipDiscuss {
		return o.markStepDone(phaseNumber, model.StepDiscuss, func(ws *model.WorkflowState) {
			_ = ws // default context: all decisions left to agent discretion
		})
	}

	o.stepStarted(phaseNumber, model.StepDiscuss)
	outcome, err := o.runCommandWithRetry(ctx, phaseNumber, model.StepDiscuss, "discuss", facade.RunOptions{Command: "discuss"})
	if err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("discuss step failed: %s", outcome.Error)
	}
	return o.markStepDone(phaseNumber, model.StepDiscuss, nil)
}

// runPlanExecuteVerify loops plan -> execute -> verify, bounded by
// MaxGapIterations. It returns VerdictPassed once verify passes (or is
// skipped). After a human_needed escalation, "skip" marks the phase
// skipped and returns VerdictGapsFound, and "abort" returns an error.
func (o *Orchestrator) runPlanExecuteVerify(ctx context.Context, phaseNumber int) (Verdict, error) {
	resuming := true
	for {
		if !(resuming && o.stepDone(phaseNumber, model.StepPlan)) {
			o.stepStarted(phaseNumber, model.StepPlan)
			planOutcome, err := o.runCommandWithRetry(ctx, phaseNumber, model.StepPlan, "plan", facade.RunOptions{Command: "plan"})
			if err != nil {
				return "", err
			}
			if !planOutcome.Success {
				return "", fmt.Errorf("plan step failed: %s", planOutcome.Error)
			}
			if err := o.markStepDone(phaseNumber, model.StepPlan, nil); err != nil {
				return "", err
			}
		}

		if !(resuming && o.stepDone(phaseNumber, model.StepExecute)) {
			o.stepStarted(phaseNumber, model.StepExecute)
			execOutcome, err := o.runCommandWithRetry(ctx, phaseNumber, model.StepExecute, "execute", facade.RunOptions{Command: "execute"})
			if err != nil {
				return "", err
			}
			if !execOutcome.Success {
				return "", fmt.Errorf("execute step failed: %s", execOutcome.Error)
			}
			if err := o.markStepDone(phaseNumber, model.StepExecute, nil); err != nil {
				return "", err
			}
		}

		if o.cfg.SkipVerify {
			if err := o.markStepDone(phaseNumber, model.StepVerify, nil); err != nil {
				return "", err
			}
			return VerdictPassed, nil
		}

		if resuming && o.stepDone(phaseNumber, model.StepVerify) {
			// Crashed after verify passed but before the phase was marked
			// complete: nothing left to redo.
			return VerdictPassed, nil
		}

		o.stepStarted(phaseNumber, model.StepVerify)
		verifyOutcome, err := o.runCommandWithRetry(ctx, phaseNumber, model.StepVerify, "verify", facade.RunOptions{Command: "verify"})
		if err != nil {
			return "", err
		}
		if !verifyOutcome.Success {
			return "", fmt.Errorf("verify step failed: %s", verifyOutcome.Error)
		}

		verdict := classifyVerdict(verifyOutcome.ResultText)
		resuming = false

		switch verdict {
		case VerdictPassed:
			if err := o.markStepDone(phaseNumber, model.StepVerify, nil); err != nil {
				return "", err
			}
			return VerdictPassed, nil

		case VerdictGapsFound:
			exceeded, err := o.incrementGapIterations(phaseNumber)
			if err != nil {
				return "", err
			}
			if !exceeded {
				continue // re-run plan -> execute -> verify
			}
			fallthrough // bound exceeded: promote to human_needed

		default:
			return o.handleHumanNeeded(ctx, phaseNumber)
		}
	}
}

// incrementGapIterations bumps the phase's gap counter and reports
// whether it now exceeds the configured bound.
func (o *Orchestrator) incrementGapIterations(phaseNumber int) (exceeded bool, err error) {
	snap, err := o.store.Apply(func(ws *model.WorkflowState) error {
		p := findPhase(ws, phaseNumber)
		if p == nil {
			return fmt.Errorf("unknown phase %d", phaseNumber)
		}
		p.GapIterations++
		return nil
	})
	if err != nil {
		return false, err
	}
	p := findPhase(snap, phaseNumber)
	return p.GapIterations > o.cfg.MaxGapIterations, nil
}

// handleHumanNeeded dispatches a choice notification offering
// {retry, skip, abort}, suspends until an answer arrives, and applies it.
func (o *Orchestrator) handleHumanNeeded(ctx context.Context, phaseNumber int) (Verdict, error) {
	items := []model.QuestionItem{{
		Prompt: fmt.Sprintf("Phase %d needs human input to continue.", phaseNumber),
		Options: []model.Option{
			{Label: "retry", Description: "Re-run plan, execute, and verify."},
			{Label: "skip", Description: "Mark this phase skipped and move on."},
			{Label: "abort", Description: "Stop the run."},
		},
	}}

	o.recordEvent("question-pending", map[string]any{"phase": phaseNumber, "reason": "human_needed"})

	notifID := uuid.NewString()
	notification := model.Notification{
		ID:        notifID,
		Type:      model.NotificationQuestion,
		Title:     fmt.Sprintf("Phase %d needs human input", phaseNumber),
		Body:      items[0].Prompt,
		Severity:  model.SeverityWarning,
		Phase:     fmt.Sprintf("%d", phaseNumber),
		Step:      string(model.StepVerify),
		CreatedAt: time.Now().UTC(),
		Options:   items[0].Options,
	}
	o.notifier.Notify(ctx, notification)
	o.notifier.StartReminder(notifID, notification)

	answers, err := o.broker.HandleQuestion(phaseNumber, model.StepVerify, items)
	o.notifier.CancelReminder(notifID)
	if err != nil {
		return "", fmt.Errorf("human_needed escalation: %w", err)
	}

	choice := answers[items[0].Prompt]
	o.recordEvent("question-answered", map[string]any{"phase": phaseNumber, "choice": choice})

	switch choice {
	case "retry":
		if _, err := o.store.Apply(func(ws *model.WorkflowState) error {
			p := findPhase(ws, phaseNumber)
			if p == nil {
				return fmt.Errorf("unknown phase %d", phaseNumber)
			}
			p.Steps[model.StepPlan] = false
			p.Steps[model.StepExecute] = false
			p.Steps[model.StepVerify] = false
			return nil
		}); err != nil {
			return "", err
		}
		return o.runPlanExecuteVerify(ctx, phaseNumber)
	case "skip":
		if _, err := o.store.Apply(func(ws *model.WorkflowState) error {
			p := findPhase(ws, phaseNumber)
			p.Status = model.PhaseSkipped
			return nil
		}); err != nil {
			return "", err
		}
		return VerdictGapsFound, nil // caller treats non-passed as "already handled"
	default: // "abort" or anything unrecognized
		return "", fmt.Errorf("run aborted by operator at phase %d", phaseNumber)
	}
}

// runCommandWithRetry runs one command, retrying exactly once on failure
// per spec.md §4.8.4/§7. A second failure is recorded into error_history
// and escalated to a choice notification, suspending until answered.
func (o *Orchestrator) runCommandWithRetry(ctx context.Context, phaseNumber int, step model.Step, prompt string, opts facade.RunOptions) (*facade.Outcome, error) {
	opts.Depth = string(o.cfg.Depth)
	opts.Model = string(o.cfg.Model)
	opts.AutoAnswer = o.cfg.AutoAnswer

	start := time.Now()
	outcome, err := o.facade.Run(ctx, prompt, phaseNumber, step, opts)
	o.observeCommand(phaseNumber, step, start, outcome, err)
	if err == nil && outcome.Success {
		return outcome, nil
	}

	o.logger.Warn("command %s failed on first attempt (phase %d): %v", opts.Command, phaseNumber, firstFailureMessage(outcome, err))

	start = time.Now()
	outcome, err = o.facade.Run(ctx, prompt, phaseNumber, step, opts)
	o.observeCommand(phaseNumber, step, start, outcome, err)
	if err == nil && outcome.Success {
		return outcome, nil
	}

	msg := firstFailureMessage(outcome, err)
	if _, applyErr := o.store.Apply(func(ws *model.WorkflowState) error {
		ws.ErrorHistory = append(ws.ErrorHistory, model.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Phase:     phaseNumber,
			Step:      step,
			Message:   msg,
		})
		return nil
	}); applyErr != nil {
		return nil, applyErr
	}
	o.recordEvent("error", map[string]any{"phase": phaseNumber, "step": string(step), "message": msg})
	o.activity.Add(model.ActivityError, fmt.Sprintf("%s failed: %s", opts.Command, msg), map[string]any{"phase": phaseNumber})

	o.notifier.Notify(ctx, model.Notification{
		ID:        uuid.NewString(),
		Type:      model.NotificationError,
		Title:     fmt.Sprintf("Phase %d: %s failed twice", phaseNumber, opts.Command),
		Body:      msg,
		Severity:  model.SeverityCritical,
		Phase:     fmt.Sprintf("%d", phaseNumber),
		Step:      string(step),
		ErrorMsg:  msg,
		CreatedAt: time.Now().UTC(),
		Options: []model.Option{
			{Label: "retry"}, {Label: "skip"}, {Label: "abort"},
		},
	})

	choiceAnswers, herr := o.broker.HandleQuestion(phaseNumber, step, []model.QuestionItem{{
		Prompt: fmt.Sprintf("%s failed twice: %s", opts.Command, msg),
		Options: []model.Option{
			{Label: "retry"}, {Label: "skip"}, {Label: "abort"},
		},
	}})
	if herr != nil {
		return nil, fmt.Errorf("command %s failed and escalation was rejected: %w", opts.Command, herr)
	}

	switch choiceAnswers[fmt.Sprintf("%s failed twice: %s", opts.Command, msg)] {
	case "retry":
		return o.runCommandWithRetry(ctx, phaseNumber, step, prompt, opts)
	case "skip":
		return &facade.Outcome{Success: true, ResultText: "skipped by operator"}, nil
	default:
		return nil, fmt.Errorf("run aborted by operator after repeated %s failure", opts.Command)
	}
}

func firstFailureMessage(outcome *facade.Outcome, err error) string {
	if err != nil {
		return err.Error()
	}
	if outcome != nil {
		return outcome.Error
	}
	return "unknown failure"
}

func (o *Orchestrator) observeCommand(phaseNumber int, step model.Step, start time.Time, outcome *facade.Outcome, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.PhaseDuration.WithLabelValues(fmt.Sprintf("%d", phaseNumber), string(step)).Observe(time.Since(start).Seconds())
	outcomeLabel := "success"
	if err != nil || outcome == nil || !outcome.Success {
		outcomeLabel = "failure"
	}
	o.metrics.CommandsTotal.WithLabelValues(outcomeLabel).Inc()
}

func (o *Orchestrator) failPhase(ctx context.Context, phaseNumber int, cause error) error {
	_, err := o.store.Apply(func(ws *model.WorkflowState) error {
		p := findPhase(ws, phaseNumber)
		if p == nil {
			return nil
		}
		p.Status = model.PhaseFailed
		return nil
	})
	o.recordEvent("phase-failed", map[string]any{"phase": phaseNumber, "message": cause.Error()})
	o.activity.Add(model.ActivityPhaseFailed, fmt.Sprintf("Phase %d failed: %s", phaseNumber, cause.Error()), map[string]any{"phase": phaseNumber})
	if err != nil {
		return err
	}
	_ = ctx
	return cause
}

func (o *Orchestrator) completePhase(ctx context.Context, phaseNumber int) error {
	_, err := o.store.Apply(func(ws *model.WorkflowState) error {
		p := findPhase(ws, phaseNumber)
		if p == nil {
			return fmt.Errorf("unknown phase %d", phaseNumber)
		}
		if !p.Steps[model.StepPlan] || !p.Steps[model.StepExecute] || !p.Steps[model.StepVerify] {
			return fmt.Errorf("phase %d cannot complete: required steps not done", phaseNumber)
		}
		now := time.Now().UTC()
		p.Status = model.PhaseCompleted
		p.CompletedAt = &now
		ws.CurrentStep = model.StepDone
		return nil
	})
	if err != nil {
		return err
	}
	o.recordEvent("phase-completed", map[string]any{"phase": phaseNumber})
	o.activity.Add(model.ActivityPhaseCompleted, fmt.Sprintf("Phase %d completed", phaseNumber), map[string]any{"phase": phaseNumber})
	_ = ctx
	return nil
}

func (o *Orchestrator) stepStarted(phaseNumber int, step model.Step) {
	_, _ = o.store.Apply(func(ws *model.WorkflowState) error {
		ws.CurrentStep = step
		return nil
	})
	o.recordEvent("step-started", map[string]any{"phase": phaseNumber, "step": string(step)})
	o.activity.Add(model.ActivityStepStarted, fmt.Sprintf("Phase %d: %s started", phaseNumber, step), map[string]any{"phase": phaseNumber, "step": string(step)})
}

// markStepDone marks step done for the phase, optionally running extra
// through the working copy first (used for the skip-discuss default
// context), persists, and emits the step-completed event/activity.
func (o *Orchestrator) markStepDone(phaseNumber int, step model.Step, extra func(*model.WorkflowState)) error {
	_, err := o.store.Apply(func(ws *model.WorkflowState) error {
		if extra != nil {
			extra(ws)
		}
		p := findPhase(ws, phaseNumber)
		if p == nil {
			return fmt.Errorf("unknown phase %d", phaseNumber)
		}
		p.Steps[step] = true
		return nil
	})
	if err != nil {
		return err
	}
	o.recordEvent("step-completed", map[string]any{"phase": phaseNumber, "step": string(step)})
	o.activity.Add(model.ActivityStepCompleted, fmt.Sprintf("Phase %d: %s completed", phaseNumber, step), map[string]any{"phase": phaseNumber, "step": string(step)})
	return nil
}

func findPhase(ws *model.WorkflowState, number int) *model.Phase {
	for _, p := range ws.Phases {
		if p.Number == number {
			return p
		}
	}
	return nil
}

func (o *Orchestrator) recordEvent(kind string, data any) {
	if o.events == nil {
		return
	}
	if _, err := o.events.Write(kind, data); err != nil {
		o.logger.Warn("failed to write event %s: %v", kind, err)
	}
}

func questionNotification(q *model.Question) model.Notification {
	var opts []model.Option
	if len(q.Items) > 0 {
		opts = q.Items[0].Options
	}
	body := ""
	if len(q.Items) > 0 {
		body = q.Items[0].Prompt
	}
	return model.Notification{
		ID:        q.ID,
		Type:      model.NotificationQuestion,
		Title:     fmt.Sprintf("Phase %d needs your input", q.Phase),
		Body:      body,
		Severity:  model.SeverityWarning,
		Phase:     fmt.Sprintf("%d", q.Phase),
		Step:      string(q.Step),
		Options:   opts,
		CreatedAt: q.CreatedAt,
	}
}

// StateFileExists reports whether a prior run's state document is
// present at path, used by the entrypoint to decide fresh vs. restore.
func StateFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
