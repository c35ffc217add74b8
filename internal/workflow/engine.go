// Package workflow drives purchase-request workflow instances through their
// pinned approval chain: role-gated steps, quorum-based advancement, a
// finance gate, rejection and resubmission.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/model"
)

// DefaultFinanceRole is the role required by finance steps that declare no
// roles of their own.
const DefaultFinanceRole model.RoleRef = "FINANCE"

// BundleResolver resolves the active templates of a (team, category) pair.
type BundleResolver interface {
	ResolveBundle(ctx context.Context, teamID, category string) (model.TemplateBundle, error)
}

// TemplateLocker freezes template versions once instances reference them.
type TemplateLocker interface {
	LockFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error)
	LockWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error)
}

// Options tunes engine behaviour.
type Options struct {
	// FinanceRole gates finance steps without explicit required roles.
	FinanceRole model.RoleRef
	// RequireFinanceStep rejects workflow templates without a finance gate.
	RequireFinanceStep bool
}

// CreateInput describes a new workflow instance.
type CreateInput struct {
	TeamID      string
	Category    string
	SubmittedBy string
}

// ApprovalInput is one approver's decision on a step.
type ApprovalInput struct {
	InstanceID string
	StepOrder  int
	ApproverID string
	Decision   model.Decision
	Comment    string
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	store     Store
	bundles   BundleResolver
	templates TemplateLocker
	roles     model.RoleResolver
	locker    lock.Locker
	opts      Options
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewEngine creates a new workflow engine. logger and metrics may be nil.
func NewEngine(
	store Store,
	bundles BundleResolver,
	templates TemplateLocker,
	roles model.RoleResolver,
	locker lock.Locker,
	opts Options,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Engine {
	if opts.FinanceRole == "" {
		opts.FinanceRole = DefaultFinanceRole
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		bundles:   bundles,
		templates: templates,
		roles:     roles,
		locker:    locker,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create starts a DRAFT instance for the pair's active configuration. The
// workflow template version is locked and its steps are pinned on the
// instance.
func (e *Engine) Create(ctx context.Context, in CreateInput) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Create",
		observability.AttrTeamID.String(in.TeamID),
		observability.AttrCategory.String(in.Category),
		observability.AttrActorID.String(in.SubmittedBy),
	)
	start := time.Now()
	defer func() {
		e.metrics.RecordWorkflowOperation("create", time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	if strings.TrimSpace(in.SubmittedBy) == "" {
		return model.WorkflowInstance{}, model.NewFieldValidationError("submitted_by", "REQUIRED", "submitted_by is required")
	}
	ctx = model.WithActor(ctx, in.SubmittedBy, in.TeamID)

	// 1. Resolve the active bundle and reject unusable chains before locking.
	bundle, err := e.bundles.ResolveBundle(ctx, in.TeamID, in.Category)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if errs := template.ValidateWorkflowTemplate(bundle.Workflow, e.opts.RequireFinanceStep); len(errs) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(errs)
	}

	// 2. Freeze both template versions; the locked copy is what gets pinned.
	wf, err := e.templates.LockWorkflowTemplate(ctx, bundle.Workflow.ID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if _, err = e.templates.LockFormTemplate(ctx, bundle.Form.ID); err != nil {
		return model.WorkflowInstance{}, err
	}
	if errs := template.ValidateWorkflowTemplate(wf, e.opts.RequireFinanceStep); len(errs) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(errs)
	}
	steps, err := model.OrderedSteps(wf.Steps)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	// 3. Persist the draft together with its first audit record.
	now := e.now()
	inst = model.WorkflowInstance{
		ID:                 uuid.New().String(),
		TeamID:             in.TeamID,
		Category:           in.Category,
		FormTemplateID:     bundle.Form.ID,
		WorkflowTemplateID: wf.ID,
		WorkflowVersion:    wf.VersionNumber,
		Steps:              steps,
		Status:             model.StatusDraft,
		StepApprovals:      make(map[int][]model.StepApproval),
		SubmittedBy:        in.SubmittedBy,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	created := e.event(inst, model.EventCreated, in.SubmittedBy, "", model.StatusDraft, "")
	created.Data = map[string]any{"workflow_template_id": wf.ID, "workflow_version": wf.VersionNumber}
	if err = e.store.Create(ctx, inst, created); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordWorkflowCreated(in.Category)
	observability.RequestLogger(ctx, e.logger).Info("workflow instance created",
		zap.String("instance_id", inst.ID),
		zap.String("team_id", inst.TeamID),
		zap.String("category", inst.Category),
		zap.String("workflow_template_id", wf.ID),
		zap.Int("workflow_version", wf.VersionNumber),
	)
	return inst, nil
}

// Submit moves a DRAFT or RESUBMITTED instance to PENDING_APPROVAL at its
// lowest step.
func (e *Engine) Submit(ctx context.Context, instanceID, actorID string) (model.WorkflowInstance, error) {
	ctx = model.WithActor(ctx, actorID, "")
	return e.transition(ctx, "submit", instanceID, func(inst *model.WorkflowInstance) ([]model.WorkflowEvent, error) {
		ev, err := e.submit(inst, actorID)
		if err != nil {
			return nil, err
		}
		return []model.WorkflowEvent{ev}, nil
	}, observability.AttrActorID.String(actorID))
}

func (e *Engine) submit(inst *model.WorkflowInstance, actorID string) (model.WorkflowEvent, error) {
	if err := checkTransition(*inst, model.StatusPendingApproval); err != nil {
		return model.WorkflowEvent{}, err
	}
	first, ok := firstStep(inst.Steps)
	if !ok {
		return model.WorkflowEvent{}, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q has no steps", inst.ID))
	}

	from := inst.Status
	inst.Status = model.StatusPendingApproval
	inst.CurrentStepOrder = first.StepOrder
	return e.event(*inst, model.EventSubmitted, actorID, from, inst.Status, ""), nil
}

// RecordApproval records an approver's decision on the current step. An
// APPROVE credits every required role the approver holds and advances the
// instance once each required role of the step has approved; a REJECT stops
// it immediately. Repeating an APPROVE is a no-op.
func (e *Engine) RecordApproval(ctx context.Context, in ApprovalInput) (model.WorkflowInstance, error) {
	if !in.Decision.Valid() {
		return model.WorkflowInstance{}, model.NewFieldValidationError("decision", "INVALID_VALUE",
			fmt.Sprintf("unknown decision %q", in.Decision))
	}
	if strings.TrimSpace(in.ApproverID) == "" {
		return model.WorkflowInstance{}, model.NewFieldValidationError("approver_id", "REQUIRED", "approver_id is required")
	}
	ctx = model.WithActor(ctx, in.ApproverID, "")

	return e.transition(ctx, "record_approval", in.InstanceID, func(inst *model.WorkflowInstance) ([]model.WorkflowEvent, error) {
		return e.recordApproval(inst, in)
	},
		observability.AttrActorID.String(in.ApproverID),
		observability.AttrStepOrder.Int(in.StepOrder),
		observability.AttrDecision.String(string(in.Decision)),
	)
}

func (e *Engine) recordApproval(inst *model.WorkflowInstance, in ApprovalInput) ([]model.WorkflowEvent, error) {
	// 1. Verify the instance is waiting on this step.
	if !inst.Status.AcceptsApprovals() {
		return nil, model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q is %s and does not accept approvals", inst.ID, inst.Status))
	}
	if in.StepOrder != inst.CurrentStepOrder {
		return nil, model.NewInvalidStateError(
			fmt.Sprintf("step %d is not the current step of workflow instance %q (current: %d)",
				in.StepOrder, inst.ID, inst.CurrentStepOrder))
	}
	step, ok := stepByOrder(inst.Steps, in.StepOrder)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("step %d not found", in.StepOrder))
	}

	// 2. Authorise the approver against the step's role gate.
	required := e.requiredRoles(step)
	held, err := e.roles.Resolve(in.ApproverID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles for %s: %w", in.ApproverID, err)
	}
	matched := held.Intersect(required)
	if len(matched) == 0 {
		return nil, model.NewStepUnauthorizedError(
			fmt.Sprintf("approver %q holds none of the roles required by step %q", in.ApproverID, step.StepName))
	}

	now := e.now()
	if in.Decision == model.DecisionReject {
		return e.reject(inst, step, in, matched[0], now)
	}

	// 3. Credit every matched role the step still waits on. A repeat from
	// the same approver, or one whose roles are all satisfied, changes nothing.
	approved := approvedRoles(*inst, step.StepOrder)
	credited := unsatisfiedRoles(matched, approved)
	if len(credited) == 0 || approverAlreadyApproved(*inst, step.StepOrder, in.ApproverID) {
		return nil, nil
	}
	names := make([]string, 0, len(credited))
	for _, role := range credited {
		inst.StepApprovals[step.StepOrder] = append(inst.StepApprovals[step.StepOrder], model.StepApproval{
			ApproverID: in.ApproverID,
			Role:       role,
			Decision:   model.DecisionApprove,
			Comment:    in.Comment,
			Timestamp:  now,
		})
		approved[role] = true
		names = append(names, string(role))
	}
	approvedEv := e.event(*inst, model.EventApproved, in.ApproverID, inst.Status, inst.Status, in.Comment)
	approvedEv.Data = map[string]any{"roles": names}
	events := []model.WorkflowEvent{approvedEv}

	// 4. Advance once the quorum is met.
	for _, r := range required {
		if !approved[r] {
			return events, nil
		}
	}
	advance, err := e.advance(inst, in.ApproverID)
	if err != nil {
		return nil, err
	}
	return append(events, advance...), nil
}

func (e *Engine) reject(
	inst *model.WorkflowInstance,
	step model.StepSpec,
	in ApprovalInput,
	role model.RoleRef,
	now time.Time,
) ([]model.WorkflowEvent, error) {
	if err := checkTransition(*inst, model.StatusRejected); err != nil {
		return nil, err
	}
	inst.StepApprovals[step.StepOrder] = append(inst.StepApprovals[step.StepOrder], model.StepApproval{
		ApproverID: in.ApproverID,
		Role:       role,
		Decision:   model.DecisionReject,
		Comment:    in.Comment,
		Timestamp:  now,
	})
	from := inst.Status
	inst.Status = model.StatusRejected
	inst.RejectionComment = in.Comment

	ev := e.event(*inst, model.EventRejected, in.ApproverID, from, inst.Status, in.Comment)
	ev.Data = map[string]any{"role": string(role)}
	return []model.WorkflowEvent{ev}, nil
}

// advance moves the instance past its current step.
func (e *Engine) advance(inst *model.WorkflowInstance, actorID string) ([]model.WorkflowEvent, error) {
	from := inst.Status
	completedStep := inst.CurrentStepOrder

	next, ok := nextStep(inst.Steps, inst.CurrentStepOrder)
	if !ok {
		if err := checkTransition(*inst, model.StatusCompleted); err != nil {
			return nil, err
		}
		inst.Status = model.StatusCompleted
		return []model.WorkflowEvent{e.event(*inst, model.EventCompleted, actorID, from, inst.Status, "")}, nil
	}

	to := statusForStep(next)
	if err := checkTransition(*inst, to); err != nil {
		return nil, err
	}
	inst.Status = to
	inst.CurrentStepOrder = next.StepOrder

	ev := e.event(*inst, model.EventStepAdvanced, actorID, from, to, "")
	ev.Data = map[string]any{"from_step": completedStep, "to_step": next.StepOrder, "step_name": next.StepName}
	return []model.WorkflowEvent{ev}, nil
}

// Resubmit restarts a REJECTED instance from its lowest step. Earlier
// approvals stay in the history marked as superseded.
func (e *Engine) Resubmit(ctx context.Context, instanceID, actorID string) (model.WorkflowInstance, error) {
	ctx = model.WithActor(ctx, actorID, "")
	return e.transition(ctx, "resubmit", instanceID, func(inst *model.WorkflowInstance) ([]model.WorkflowEvent, error) {
		if err := checkTransition(*inst, model.StatusResubmitted); err != nil {
			return nil, err
		}
		for order, approvals := range inst.StepApprovals {
			for i := range approvals {
				approvals[i].Superseded = true
			}
			inst.StepApprovals[order] = approvals
		}
		comment := inst.RejectionComment
		inst.RejectionComment = ""
		inst.Status = model.StatusResubmitted
		resubmitted := e.event(*inst, model.EventResubmitted, actorID, model.StatusRejected, model.StatusResubmitted, "")
		resubmitted.Data = map[string]any{"previous_rejection_comment": comment}

		submitted, err := e.submit(inst, actorID)
		if err != nil {
			return nil, err
		}
		return []model.WorkflowEvent{resubmitted, submitted}, nil
	}, observability.AttrActorID.String(actorID))
}

// transition loads an instance under its lock, applies fn and persists the
// result together with the events fn returns. fn returning no events and no
// error leaves the instance untouched.
func (e *Engine) transition(
	ctx context.Context,
	op, instanceID string,
	fn func(inst *model.WorkflowInstance) ([]model.WorkflowEvent, error),
	attrs ...attribute.KeyValue,
) (inst model.WorkflowInstance, err error) {
	attrs = append(attrs, observability.AttrInstanceID.String(instanceID))
	ctx, span := observability.StartSpan(ctx, "workflow."+op, attrs...)
	start := time.Now()
	defer func() {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordWorkflowConflict(op)
		}
		e.metrics.RecordWorkflowOperation(op, time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	unlock, err := e.locker.TryLock(ctx, lock.Key("workflow", instanceID))
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordLockContention("workflow")
		}
		return model.WorkflowInstance{}, err
	}
	defer unlock()

	inst, err = e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.StepApprovals == nil {
		inst.StepApprovals = make(map[int][]model.StepApproval)
	}
	before := inst.Status

	events, err := fn(&inst)
	if err != nil {
		if model.IsCode(err, model.ErrInvalidState) || model.IsCode(err, model.ErrStepUnauthorized) {
			observability.RequestLogger(ctx, e.logger).Warn("workflow operation refused",
				zap.String("operation", op),
				zap.String("instance_id", instanceID),
				zap.String("status", string(before)),
				zap.Error(err),
			)
		}
		return model.WorkflowInstance{}, err
	}
	if len(events) == 0 {
		return inst, nil
	}

	inst.UpdatedAt = e.now()
	if err = e.store.Update(ctx, inst, events...); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	for _, ev := range events {
		switch ev.Event {
		case model.EventApproved:
			e.metrics.RecordWorkflowApproval(string(model.DecisionApprove))
		case model.EventRejected:
			e.metrics.RecordWorkflowApproval(string(model.DecisionReject))
		}
		if ev.FromStatus != ev.ToStatus {
			e.metrics.RecordWorkflowTransition(string(ev.FromStatus), string(ev.ToStatus))
		}
	}
	if inst.Status != before {
		observability.RequestLogger(ctx, e.logger).Info("workflow instance transitioned",
			zap.String("instance_id", inst.ID),
			zap.String("operation", op),
			zap.String("from", string(before)),
			zap.String("to", string(inst.Status)),
			zap.Int("current_step_order", inst.CurrentStepOrder),
		)
	}
	return inst, nil
}

// Get returns a workflow instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, instanceID)
}

// List returns summaries of instances matching the filters, newest first.
func (e *Engine) List(ctx context.Context, filters Filters) ([]model.WorkflowSummary, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, model.NewFieldValidationError("status", "INVALID_VALUE",
			fmt.Sprintf("unknown status %q", filters.Status))
	}
	instances, err := e.store.List(ctx, filters)
	if err != nil {
		return nil, err
	}

	summaries := make([]model.WorkflowSummary, 0, len(instances))
	for _, inst := range instances {
		var stepName string
		if st, ok := stepByOrder(inst.Steps, inst.CurrentStepOrder); ok {
			stepName = st.StepName
		}
		summaries = append(summaries, model.WorkflowSummary{
			ID:               inst.ID,
			TeamID:           inst.TeamID,
			Category:         inst.Category,
			CurrentStepOrder: inst.CurrentStepOrder,
			CurrentStepName:  stepName,
			Status:           inst.Status,
			SubmittedBy:      inst.SubmittedBy,
			CreatedAt:        inst.CreatedAt,
			UpdatedAt:        inst.UpdatedAt,
		})
	}
	return summaries, nil
}

// History returns the instance's append-only audit trail.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	return e.store.Events(ctx, instanceID)
}

func (e *Engine) requiredRoles(step model.StepSpec) []model.RoleRef {
	if len(step.RequiredRoles) > 0 {
		return step.RequiredRoles
	}
	if step.IsFinanceReview {
		return []model.RoleRef{e.opts.FinanceRole}
	}
	return nil
}

func (e *Engine) event(
	inst model.WorkflowInstance,
	name, actorID string,
	from, to model.WorkflowStatus,
	comment string,
) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		StepOrder:          inst.CurrentStepOrder,
		Event:              name,
		ActorID:            actorID,
		FromStatus:         from,
		ToStatus:           to,
		Comment:            comment,
		Timestamp:          e.now(),
	}
}

// approvedRoles returns the roles with at least one active APPROVE on a
// step.
func approvedRoles(inst model.WorkflowInstance, stepOrder int) map[model.RoleRef]bool {
	approved := make(map[model.RoleRef]bool)
	for _, a := range inst.ActiveApprovals(stepOrder) {
		if a.Decision == model.DecisionApprove {
			approved[a.Role] = true
		}
	}
	return approved
}

// unsatisfiedRoles returns the matched roles without an active APPROVE, in
// matched order.
func unsatisfiedRoles(matched []model.RoleRef, approved map[model.RoleRef]bool) []model.RoleRef {
	var out []model.RoleRef
	for _, r := range matched {
		if !approved[r] {
			out = append(out, r)
		}
	}
	return out
}

func approverAlreadyApproved(inst model.WorkflowInstance, stepOrder int, approverID string) bool {
	for _, a := range inst.ActiveApprovals(stepOrder) {
		if a.ApproverID == approverID && a.Decision == model.DecisionApprove {
			return true
		}
	}
	return false
}
