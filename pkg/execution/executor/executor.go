// Package executor runs workflow steps.  One claimed queue job maps to one
// step attempt; every state change between attempts goes through a
// versioned compare-and-set, so two workers racing on the same execution
// resolve to exactly one winner and the loser drops its write.
package executor

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/everflow-crm/everflow/pkg/backoff"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/execution/driver"
	"github.com/everflow-crm/everflow/pkg/execution/limiter"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/expressions"
	"github.com/everflow-crm/everflow/pkg/history"
	"github.com/everflow-crm/everflow/pkg/logger"
	"github.com/everflow-crm/everflow/pkg/telemetry"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

// Notifier receives operator-facing alerts about failed executions.
type Notifier interface {
	NotifyFailed(ctx context.Context, e *state.Execution, def *workflow.Definition, cause string)
}

// logNotifier is the default Notifier: an error-level log line.
type logNotifier struct {
	log logger.Logger
}

func (n logNotifier) NotifyFailed(ctx context.Context, e *state.Execution, def *workflow.Definition, cause string) {
	n.log.Error("execution failed",
		"tenant_id", e.TenantID,
		"workflow_id", e.WorkflowID,
		"execution_id", e.ID,
		"step_index", e.CurrentStepIndex,
		"reason", e.CompletionReason,
		"cause", cause,
	)
}

// SubjectLoader resolves a subject's current attributes for condition and
// goal expressions.  The default resolver returns no attributes.
type SubjectLoader interface {
	Attributes(ctx context.Context, tenantID, subjectID uuid.UUID) (map[string]any, error)
}

type noSubjects struct{}

func (noSubjects) Attributes(ctx context.Context, tenantID, subjectID uuid.UUID) (map[string]any, error) {
	return map[string]any{}, nil
}

type Opt func(*Executor)

func WithNotifier(n Notifier) Opt {
	return func(x *Executor) {
		x.notifier = n
	}
}

func WithSubjectLoader(s SubjectLoader) Opt {
	return func(x *Executor) {
		x.subjects = s
	}
}

func WithMetrics(m *telemetry.Metrics) Opt {
	return func(x *Executor) {
		x.metrics = m
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(x *Executor) {
		x.log = log
		if _, ok := x.notifier.(logNotifier); ok {
			x.notifier = logNotifier{log: log}
		}
	}
}

func New(
	loader workflow.Loader,
	store state.Store,
	q queue.Queue,
	hist history.Driver,
	registry *driver.Registry,
	lim *limiter.Limiter,
	clock clockwork.Clock,
	opts ...Opt,
) *Executor {
	x := &Executor{
		loader:   loader,
		store:    store,
		queue:    q,
		history:  hist,
		registry: registry,
		limiter:  lim,
		clock:    clock,
		subjects: noSubjects{},
		log:      logger.Void(),
	}
	x.notifier = logNotifier{log: x.log}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

type Executor struct {
	loader   workflow.Loader
	store    state.Store
	queue    queue.Queue
	history  history.Driver
	registry *driver.Registry
	limiter  *limiter.Limiter
	clock    clockwork.Clock
	subjects SubjectLoader
	notifier Notifier
	metrics  *telemetry.Metrics
	log      logger.Logger
}

// HandleItem is the queue consumer entrypoint.  A nil return completes the
// job; an error releases the lease for redelivery.  Stale jobs — terminal
// executions, lost compare-and-set races, wrong-kind deliveries — complete
// silently.
func (x *Executor) HandleItem(ctx context.Context, item queue.Item) error {
	e, err := x.store.Load(ctx, item.ExecutionID)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "error loading execution")
	}

	if e.Status.Terminal() {
		return nil
	}

	switch e.Status {
	case enums.ExecutionStatusPaused:
		// A paused execution accepts only its resume job.  A redelivered
		// step job means the worker died between pausing and scheduling the
		// resume; recreate it from the persisted resume time.  Enqueueing
		// replaces by execution ID, so a live resume job is unaffected.
		if item.Kind != queue.KindResume {
			if item.Kind == queue.KindStep && e.WaitUntil != nil {
				return x.queue.Enqueue(ctx, queue.Item{
					TenantID:    e.TenantID,
					WorkflowID:  e.WorkflowID,
					ExecutionID: e.ID,
					Kind:        queue.KindResume,
					StepIndex:   e.CurrentStepIndex + 1,
				}, *e.WaitUntil)
			}
			return nil
		}
		e.CurrentStepIndex = item.StepIndex
		e.WaitUntil = nil
		ok, err := x.transition(ctx, e, enums.ExecutionStatusActive, 0)
		if err != nil || !ok {
			return err
		}
		x.appendLog(ctx, e, enums.LogTypeResumed, nil)

	case enums.ExecutionStatusQueued:
		ok, err := x.transition(ctx, e, enums.ExecutionStatusActive, 0)
		if err != nil || !ok {
			return err
		}

	case enums.ExecutionStatusActive:
		// Retry redelivery or crash recovery; proceed from persisted state.
	}

	def, err := x.loader.DefinitionVersion(ctx, e.WorkflowID, e.WorkflowVersion)
	if err != nil {
		return errors.Wrap(err, "error loading workflow definition")
	}

	return x.runStep(ctx, e, def)
}

// runStep executes the step at the execution's persisted index.
func (x *Executor) runStep(ctx context.Context, e *state.Execution, def *workflow.Definition) error {
	if e.CurrentStepIndex >= len(def.Steps) {
		return x.finish(ctx, e, def, enums.ExecutionStatusCompleted, enums.CompletionReasonStepsExhausted, "")
	}

	if err := x.store.Heartbeat(ctx, e.ID); err != nil {
		return errors.Wrap(err, "error heartbeating execution")
	}

	step := def.Steps[e.CurrentStepIndex]
	if x.metrics != nil {
		x.metrics.StepsExecuted.WithLabelValues(step.Kind.String()).Inc()
	}
	switch step.Kind {
	case enums.StepKindAction:
		return x.runAction(ctx, e, def, step)
	case enums.StepKindCondition:
		return x.runCondition(ctx, e, def, step)
	case enums.StepKindWait:
		return x.runWait(ctx, e, def, step)
	case enums.StepKindGoalCheck:
		return x.runGoalCheck(ctx, e, def)
	default:
		return x.finish(ctx, e, def, enums.ExecutionStatusFailed, enums.CompletionReasonStepFailed,
			fmt.Sprintf("unknown step kind %q at index %d", step.Kind, e.CurrentStepIndex))
	}
}

func (x *Executor) runAction(ctx context.Context, e *state.Execution, def *workflow.Definition, step workflow.Step) error {
	x.appendLog(ctx, e, enums.LogTypeStepStarted, map[string]any{"step": step.ID, "type": step.Action.Type})

	resp := x.invoke(ctx, e, step)

	if resp.Outcome == driver.OutcomeSuccess {
		x.appendLog(ctx, e, enums.LogTypeStepCompleted, map[string]any{"step": step.ID, "output": resp.Output})
		e.RetryCount = 0
		return x.advance(ctx, e, def, e.CurrentStepIndex+1)
	}

	x.appendLog(ctx, e, enums.LogTypeStepFailed, map[string]any{"step": step.ID, "error": resp.Error()})

	if !resp.Retryable {
		if step.Action.HaltOnError {
			return x.finish(ctx, e, def, enums.ExecutionStatusFailed, enums.CompletionReasonStepFailed, resp.Error())
		}
		x.appendLog(ctx, e, enums.LogTypeStepSkipped, map[string]any{"step": step.ID, "error": resp.Error()})
		e.RetryCount = 0
		return x.advance(ctx, e, def, e.CurrentStepIndex+1)
	}

	if e.RetryCount >= def.MaxRetries() {
		return x.finish(ctx, e, def, enums.ExecutionStatusFailed, enums.CompletionReasonMaxRetriesExhausted, resp.Error())
	}

	delay := backoff.Delay(backoff.Exponential(def.RetryBaseDelay()), e.RetryCount, resp.RetryAfter)
	e.RetryCount++
	e.ErrorMessage = resp.Error()
	ok, err := x.update(ctx, e)
	if err != nil || !ok {
		return err
	}

	if x.metrics != nil {
		x.metrics.RetriesScheduled.Inc()
	}
	x.appendLog(ctx, e, enums.LogTypeRetryScheduled, map[string]any{
		"step":    step.ID,
		"delay":   delay.String(),
		"attempt": e.RetryCount,
		"max":     def.MaxRetries(),
	})

	return x.queue.Enqueue(ctx, queue.Item{
		TenantID:    e.TenantID,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		Kind:        queue.KindStep,
		StepIndex:   e.CurrentStepIndex,
		Attempt:     e.RetryCount,
	}, x.clock.Now().Add(delay))
}

// invoke runs the action handler, folding infrastructure errors into a
// retryable failure response.
func (x *Executor) invoke(ctx context.Context, e *state.Execution, step workflow.Step) *driver.Response {
	handler, err := x.registry.Get(step.Action.Type)
	if err != nil {
		// A missing handler is a definition error; retrying cannot fix it.
		return &driver.Response{Outcome: driver.OutcomeFailure, Retryable: false, Err: err}
	}

	resp, err := handler.Execute(ctx, step.Action.Config, driver.Context{
		TenantID:    e.TenantID,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		SubjectID:   e.SubjectID,
		StepIndex:   e.CurrentStepIndex,
		Attempt:     e.RetryCount,
	})
	if err != nil {
		return &driver.Response{Outcome: driver.OutcomeFailure, Retryable: true, Err: err}
	}
	if resp == nil {
		return &driver.Response{Outcome: driver.OutcomeFailure, Retryable: true, Err: fmt.Errorf("handler %q returned no response", step.Action.Type)}
	}
	return resp
}

func (x *Executor) runCondition(ctx context.Context, e *state.Execution, def *workflow.Definition, step workflow.Step) error {
	data, err := x.expressionData(ctx, e)
	if err != nil {
		return err
	}

	next := e.CurrentStepIndex + 1
	matched := -1
	for i, branch := range step.Condition.Branches {
		ok, err := expressions.Evaluate(ctx, branch.If, data)
		if err != nil {
			return x.finish(ctx, e, def, enums.ExecutionStatusFailed, enums.CompletionReasonStepFailed,
				fmt.Sprintf("condition branch %d: %s", i, err))
		}
		if ok {
			next = branch.Target
			matched = i
			break
		}
	}
	if matched == -1 && step.Condition.Else != nil {
		next = *step.Condition.Else
	}

	x.appendLog(ctx, e, enums.LogTypeStepCompleted, map[string]any{
		"step":   step.ID,
		"branch": matched,
		"target": next,
	})
	return x.advance(ctx, e, def, next)
}

func (x *Executor) runWait(ctx context.Context, e *state.Execution, def *workflow.Definition, step workflow.Step) error {
	resumeAt, err := step.Wait.ResumeAt(x.clock.Now())
	if err != nil {
		return x.finish(ctx, e, def, enums.ExecutionStatusFailed, enums.CompletionReasonStepFailed, err.Error())
	}

	resumeIndex := e.CurrentStepIndex + 1
	e.WaitUntil = &resumeAt
	ok, err := x.transition(ctx, e, enums.ExecutionStatusPaused, 0)
	if err != nil || !ok {
		return err
	}

	x.appendLog(ctx, e, enums.LogTypeWaitStarted, map[string]any{
		"step":      step.ID,
		"resume_at": resumeAt,
	})

	return x.queue.Enqueue(ctx, queue.Item{
		TenantID:    e.TenantID,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		Kind:        queue.KindResume,
		StepIndex:   resumeIndex,
	}, resumeAt)
}

func (x *Executor) runGoalCheck(ctx context.Context, e *state.Execution, def *workflow.Definition) error {
	step := def.Steps[e.CurrentStepIndex]
	if def.Goal == nil {
		return x.advance(ctx, e, def, e.CurrentStepIndex+1)
	}

	data, err := x.expressionData(ctx, e)
	if err != nil {
		return err
	}
	achieved, err := expressions.Evaluate(ctx, def.Goal.Criteria, data)
	if err != nil {
		return x.finish(ctx, e, def, enums.ExecutionStatusFailed, enums.CompletionReasonStepFailed,
			fmt.Sprintf("goal criteria: %s", err))
	}

	if achieved {
		x.appendLog(ctx, e, enums.LogTypeGoalAchieved, map[string]any{"step": step.ID})
		return x.finish(ctx, e, def, enums.ExecutionStatusCompleted, enums.CompletionReasonGoalAchieved, "")
	}
	return x.advance(ctx, e, def, e.CurrentStepIndex+1)
}

// advance moves the execution to the next step index and queues its job, or
// completes the execution when the steps are exhausted.
func (x *Executor) advance(ctx context.Context, e *state.Execution, def *workflow.Definition, next int) error {
	if next >= len(def.Steps) {
		return x.finish(ctx, e, def, enums.ExecutionStatusCompleted, enums.CompletionReasonStepsExhausted, "")
	}

	e.CurrentStepIndex = next
	e.ErrorMessage = ""
	ok, err := x.update(ctx, e)
	if err != nil || !ok {
		return err
	}

	return x.queue.Enqueue(ctx, queue.Item{
		TenantID:    e.TenantID,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		Kind:        queue.KindStep,
		StepIndex:   next,
	}, x.clock.Now())
}

// finish moves the execution to a terminal status and frees its tenant's
// concurrency slot.
func (x *Executor) finish(
	ctx context.Context,
	e *state.Execution,
	def *workflow.Definition,
	status enums.ExecutionStatus,
	reason enums.CompletionReason,
	errMsg string,
) error {
	e.ErrorMessage = errMsg
	ok, err := x.transition(ctx, e, status, reason)
	if err != nil || !ok {
		return err
	}

	x.appendLog(ctx, e, enums.LogTypeTerminated, map[string]any{
		"status": e.Status.String(),
		"reason": reason.String(),
	})

	if x.metrics != nil {
		x.metrics.ExecutionsCompleted.WithLabelValues(reason.String()).Inc()
	}

	if status == enums.ExecutionStatusFailed {
		x.notifier.NotifyFailed(ctx, e, def, errMsg)
	}

	if err := x.limiter.OnTerminal(ctx, e.TenantID); err != nil {
		return err
	}
	return nil
}

// transition applies a status edge and persists it via compare-and-set.
// The bool reports whether the write won; a lost race returns (false, nil)
// and the caller must abandon the attempt without side effects.
func (x *Executor) transition(ctx context.Context, e *state.Execution, next enums.ExecutionStatus, reason enums.CompletionReason) (bool, error) {
	if err := e.Transition(next, reason); err != nil {
		return false, err
	}
	return x.update(ctx, e)
}

// update persists the execution, folding a version conflict into a silent
// drop.
func (x *Executor) update(ctx context.Context, e *state.Execution) (bool, error) {
	err := x.store.Update(ctx, e)
	if errors.Is(err, state.ErrVersionConflict) {
		x.log.Debug("dropped stale execution write",
			"execution_id", e.ID,
			"version", e.Version,
		)
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "error updating execution")
	}
	return true, nil
}

func (x *Executor) expressionData(ctx context.Context, e *state.Execution) (expressions.Data, error) {
	attrs, err := x.subjects.Attributes(ctx, e.TenantID, e.SubjectID)
	if err != nil {
		return expressions.Data{}, errors.Wrap(err, "error loading subject attributes")
	}
	return expressions.Data{
		Subject: attrs,
		Context: map[string]any{
			"execution_id": e.ID.String(),
			"step_index":   e.CurrentStepIndex,
			"retry_count":  e.RetryCount,
		},
	}, nil
}

// appendLog records a log entry, never failing the step over it.
func (x *Executor) appendLog(ctx context.Context, e *state.Execution, typ enums.LogType, data map[string]any) {
	err := x.history.Append(ctx, state.LogEntry{
		ID:          ulid.MustNew(ulid.Timestamp(x.clock.Now()), rand.Reader),
		ExecutionID: e.ID,
		TenantID:    e.TenantID,
		Type:        typ,
		StepIndex:   e.CurrentStepIndex,
		Attempt:     e.RetryCount,
		Data:        data,
		CreatedAt:   x.clock.Now(),
	})
	if err != nil {
		x.log.Warn("error appending execution log", "error", err, "execution_id", e.ID)
	}
}
