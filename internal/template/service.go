package template

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Template kinds used in lock keys, metric labels and log fields.
const (
	KindForm     = "form"
	KindWorkflow = "workflow"
)

// FormTemplateInput describes a new form template version.
type FormTemplateInput struct {
	Name     string
	TeamID   string
	Category string
	Fields   []model.FieldSpec
}

// WorkflowTemplateInput describes a new workflow template version.
type WorkflowTemplateInput struct {
	Name     string
	TeamID   string
	Category string
	Steps    []model.StepSpec
}

// Service applies template mutations under a per-template lock and
// persists them with optimistic versioning.
type Service struct {
	store   Store
	locker  lock.Locker
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a template service. logger and metrics may be nil.
func NewService(store Store, locker lock.Locker, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		locker:  locker,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Form templates ---

// CreateFormTemplate stores a new form version in the input's scope. The
// new version becomes the scope's active version.
func (s *Service) CreateFormTemplate(ctx context.Context, in FormTemplateInput) (model.FormTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.CreateFormTemplate",
		observability.AttrTeamID.String(in.TeamID),
		observability.AttrCategory.String(in.Category),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if strings.TrimSpace(in.Name) == "" {
		err = model.NewFieldValidationError("name", "REQUIRED", "name is required")
		return model.FormTemplate{}, err
	}
	fields := cloneFields(in.Fields)
	if errs := validateFieldSet(fields); len(errs) > 0 {
		err = model.NewValidationError(errs)
		return model.FormTemplate{}, err
	}
	for i := range fields {
		fields[i].Order = i + 1
	}

	now := s.now()
	t := model.FormTemplate{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Scope:     model.TemplateScope{TeamID: in.TeamID, Category: in.Category},
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t, err = s.insertForm(ctx, t, "create")
	return t, err
}

// NewFormVersion branches the next version of a form template's scope from
// an existing version. The source keeps its content.
func (s *Service) NewFormVersion(ctx context.Context, templateID string) (model.FormTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.NewFormVersion",
		observability.AttrTemplateID.String(templateID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	var src model.FormTemplate
	src, err = s.store.GetForm(ctx, templateID)
	if err != nil {
		return model.FormTemplate{}, err
	}

	now := s.now()
	t := model.FormTemplate{
		ID:        uuid.New().String(),
		Name:      src.Name,
		Scope:     src.Scope,
		Fields:    cloneFields(src.Fields),
		CreatedAt: now,
		UpdatedAt: now,
	}
	t, err = s.insertForm(ctx, t, "new_version")
	return t, err
}

func (s *Service) insertForm(ctx context.Context, t model.FormTemplate, op string) (model.FormTemplate, error) {
	unlock, err := s.tryLock(ctx, lock.Key("form-scope", t.Scope.String()))
	if err != nil {
		s.metrics.RecordTemplateMutation(KindForm, op, resultLabel(err))
		return model.FormTemplate{}, err
	}
	defer unlock()

	stored, err := s.store.InsertFormVersion(ctx, t)
	s.metrics.RecordTemplateMutation(KindForm, op, resultLabel(err))
	if err != nil {
		return model.FormTemplate{}, err
	}
	s.metrics.RecordTemplateVersion(KindForm)
	observability.RequestLogger(ctx, s.logger).Info("form template version created",
		zap.String("template_id", stored.ID),
		zap.String("scope", stored.Scope.String()),
		zap.Int("version_number", stored.VersionNumber),
	)
	return stored, nil
}

// GetFormTemplate returns a form template version.
func (s *Service) GetFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error) {
	return s.store.GetForm(ctx, templateID)
}

// ListFormVersions returns all versions in a scope, oldest first.
func (s *Service) ListFormVersions(ctx context.Context, scope model.TemplateScope) ([]model.FormTemplate, error) {
	return s.store.ListForms(ctx, scope)
}

// AddField appends a field to an unlocked form template. The new field is
// ordered last.
func (s *Service) AddField(ctx context.Context, templateID string, field model.FieldSpec) (model.FormTemplate, error) {
	return s.mutateForm(ctx, templateID, "add_field", true, func(t *model.FormTemplate) (bool, error) {
		if errs := field.Validate(); len(errs) > 0 {
			return false, model.NewValidationError(errs)
		}
		if _, exists := t.Field(field.FieldID); exists {
			return false, model.NewFieldValidationError("field_id", "DUPLICATE",
				fmt.Sprintf("field %q already exists", field.FieldID))
		}
		field.DropdownOptions = append([]string(nil), field.DropdownOptions...)
		field.Order = len(t.Fields) + 1
		t.Fields = append(t.Fields, field)
		return true, nil
	})
}

// UpdateField replaces the definition of an existing field on an unlocked
// form template. The field keeps its position.
func (s *Service) UpdateField(ctx context.Context, templateID string, field model.FieldSpec) (model.FormTemplate, error) {
	return s.mutateForm(ctx, templateID, "update_field", true, func(t *model.FormTemplate) (bool, error) {
		if errs := field.Validate(); len(errs) > 0 {
			return false, model.NewValidationError(errs)
		}
		for i, existing := range t.Fields {
			if existing.FieldID != field.FieldID {
				continue
			}
			field.DropdownOptions = append([]string(nil), field.DropdownOptions...)
			field.Order = existing.Order
			t.Fields[i] = field
			return true, nil
		}
		return false, model.NewNotFoundError(fmt.Sprintf("field %q not found", field.FieldID))
	})
}

// RemoveField drops a field from an unlocked form template and renumbers
// the remaining fields to 1..N.
func (s *Service) RemoveField(ctx context.Context, templateID, fieldID string) (model.FormTemplate, error) {
	return s.mutateForm(ctx, templateID, "remove_field", true, func(t *model.FormTemplate) (bool, error) {
		if _, ok := t.Field(fieldID); !ok {
			return false, model.NewNotFoundError(fmt.Sprintf("field %q not found", fieldID))
		}
		kept := make([]model.FieldSpec, 0, len(t.Fields)-1)
		for _, f := range t.SortedFields() {
			if f.FieldID == fieldID {
				continue
			}
			f.Order = len(kept) + 1
			kept = append(kept, f)
		}
		t.Fields = kept
		return true, nil
	})
}

// ReorderFields rewrites field orders to 1..N following fieldIDs, which must
// be a permutation of the template's field IDs.
func (s *Service) ReorderFields(ctx context.Context, templateID string, fieldIDs []string) (model.FormTemplate, error) {
	return s.mutateForm(ctx, templateID, "reorder_fields", true, func(t *model.FormTemplate) (bool, error) {
		index := make(map[string]int, len(t.Fields))
		for i, f := range t.Fields {
			index[f.FieldID] = i
		}
		if err := checkPermutation(fieldIDs, index, "field_ids"); err != nil {
			return false, err
		}
		reordered := make([]model.FieldSpec, len(fieldIDs))
		for pos, id := range fieldIDs {
			f := t.Fields[index[id]]
			f.Order = pos + 1
			reordered[pos] = f
		}
		t.Fields = reordered
		return true, nil
	})
}

// DeactivateFormTemplate marks a form version inactive. Locked versions may
// be deactivated.
func (s *Service) DeactivateFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error) {
	return s.mutateForm(ctx, templateID, "deactivate", false, func(t *model.FormTemplate) (bool, error) {
		if !t.IsActive {
			return false, nil
		}
		t.IsActive = false
		return true, nil
	})
}

// LockFormTemplate freezes a form version. Locking an already locked
// version is a no-op.
func (s *Service) LockFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error) {
	return s.mutateForm(ctx, templateID, "lock", false, func(t *model.FormTemplate) (bool, error) {
		if t.Locked {
			return false, nil
		}
		t.Locked = true
		return true, nil
	})
}

// mutateForm loads the template under its lock, applies fn and persists the
// result when fn reports a change.
func (s *Service) mutateForm(
	ctx context.Context,
	templateID, op string,
	rejectLocked bool,
	fn func(t *model.FormTemplate) (bool, error),
) (model.FormTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.form."+op,
		observability.AttrTemplateID.String(templateID),
	)
	var err error
	defer func() {
		s.metrics.RecordTemplateMutation(KindForm, op, resultLabel(err))
		observability.EndSpanWithError(span, err)
	}()

	var unlock func()
	unlock, err = s.tryLock(ctx, lock.Key(KindForm, templateID))
	if err != nil {
		return model.FormTemplate{}, err
	}
	defer unlock()

	var t model.FormTemplate
	t, err = s.store.GetForm(ctx, templateID)
	if err != nil {
		return model.FormTemplate{}, err
	}
	if rejectLocked && t.Locked {
		err = model.NewInvalidStateError(
			fmt.Sprintf("form template %q is locked; create a new version to change it", templateID))
		return model.FormTemplate{}, err
	}

	var changed bool
	changed, err = fn(&t)
	if err != nil {
		return model.FormTemplate{}, err
	}
	if !changed {
		return t, nil
	}

	t.UpdatedAt = s.now()
	if err = s.store.UpdateForm(ctx, t); err != nil {
		return model.FormTemplate{}, err
	}
	t.Version++

	observability.RequestLogger(ctx, s.logger).Debug("form template updated",
		zap.String("template_id", t.ID),
		zap.String("operation", op),
		zap.Int("version", t.Version),
	)
	return t, nil
}

// --- Workflow templates ---

// CreateWorkflowTemplate stores a new workflow version in the input's
// scope. Steps with a zero StepOrder are numbered after the highest
// explicit order, in input order.
func (s *Service) CreateWorkflowTemplate(ctx context.Context, in WorkflowTemplateInput) (model.WorkflowTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.CreateWorkflowTemplate",
		observability.AttrTeamID.String(in.TeamID),
		observability.AttrCategory.String(in.Category),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if strings.TrimSpace(in.Name) == "" {
		err = model.NewFieldValidationError("name", "REQUIRED", "name is required")
		return model.WorkflowTemplate{}, err
	}

	steps := cloneSteps(in.Steps)
	var errs []model.FieldError
	for _, st := range steps {
		errs = append(errs, prefixErrors(st.Validate(), "steps["+st.StepName+"]")...)
	}
	if len(errs) > 0 {
		err = model.NewValidationError(errs)
		return model.WorkflowTemplate{}, err
	}
	assignStepOrders(steps)

	var ordered []model.StepSpec
	ordered, err = model.OrderedSteps(steps)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	now := s.now()
	t := model.WorkflowTemplate{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Scope:     model.TemplateScope{TeamID: in.TeamID, Category: in.Category},
		Steps:     ordered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t, err = s.insertWorkflow(ctx, t, "create")
	return t, err
}

// NewWorkflowVersion branches the next version of a workflow template's
// scope from an existing version.
func (s *Service) NewWorkflowVersion(ctx context.Context, templateID string) (model.WorkflowTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.NewWorkflowVersion",
		observability.AttrTemplateID.String(templateID),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	var src model.WorkflowTemplate
	src, err = s.store.GetWorkflow(ctx, templateID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	now := s.now()
	t := model.WorkflowTemplate{
		ID:        uuid.New().String(),
		Name:      src.Name,
		Scope:     src.Scope,
		Steps:     cloneSteps(src.Steps),
		CreatedAt: now,
		UpdatedAt: now,
	}
	t, err = s.insertWorkflow(ctx, t, "new_version")
	return t, err
}

func (s *Service) insertWorkflow(ctx context.Context, t model.WorkflowTemplate, op string) (model.WorkflowTemplate, error) {
	unlock, err := s.tryLock(ctx, lock.Key("workflow-scope", t.Scope.String()))
	if err != nil {
		s.metrics.RecordTemplateMutation(KindWorkflow, op, resultLabel(err))
		return model.WorkflowTemplate{}, err
	}
	defer unlock()

	stored, err := s.store.InsertWorkflowVersion(ctx, t)
	s.metrics.RecordTemplateMutation(KindWorkflow, op, resultLabel(err))
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	s.metrics.RecordTemplateVersion(KindWorkflow)
	observability.RequestLogger(ctx, s.logger).Info("workflow template version created",
		zap.String("template_id", stored.ID),
		zap.String("scope", stored.Scope.String()),
		zap.Int("version_number", stored.VersionNumber),
		zap.Int("steps", len(stored.Steps)),
	)
	return stored, nil
}

// GetWorkflowTemplate returns a workflow template version.
func (s *Service) GetWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error) {
	return s.store.GetWorkflow(ctx, templateID)
}

// ListWorkflowVersions returns all versions in a scope, oldest first.
func (s *Service) ListWorkflowVersions(ctx context.Context, scope model.TemplateScope) ([]model.WorkflowTemplate, error) {
	return s.store.ListWorkflows(ctx, scope)
}

// AddStep adds a step to an unlocked workflow template. A zero StepOrder
// places the step after the current last step.
func (s *Service) AddStep(ctx context.Context, templateID string, step model.StepSpec) (model.WorkflowTemplate, error) {
	return s.mutateWorkflow(ctx, templateID, "add_step", true, func(t *model.WorkflowTemplate) (bool, error) {
		if errs := step.Validate(); len(errs) > 0 {
			return false, model.NewValidationError(errs)
		}
		if step.StepOrder == 0 {
			step.StepOrder = maxStepOrder(t.Steps) + 1
		}
		for _, existing := range t.Steps {
			if existing.StepOrder == step.StepOrder {
				return false, model.NewFieldValidationError("step_order", "DUPLICATE",
					fmt.Sprintf("step %q already uses step_order %d", existing.StepName, step.StepOrder))
			}
		}
		step.RequiredRoles = append([]model.RoleRef(nil), step.RequiredRoles...)
		ordered, err := model.OrderedSteps(append(t.Steps, step))
		if err != nil {
			return false, err
		}
		t.Steps = ordered
		return true, nil
	})
}

// UpdateStep replaces the step with the same StepOrder on an unlocked
// workflow template.
func (s *Service) UpdateStep(ctx context.Context, templateID string, step model.StepSpec) (model.WorkflowTemplate, error) {
	return s.mutateWorkflow(ctx, templateID, "update_step", true, func(t *model.WorkflowTemplate) (bool, error) {
		if errs := step.Validate(); len(errs) > 0 {
			return false, model.NewValidationError(errs)
		}
		for i, existing := range t.Steps {
			if existing.StepOrder != step.StepOrder {
				continue
			}
			step.RequiredRoles = append([]model.RoleRef(nil), step.RequiredRoles...)
			t.Steps[i] = step
			return true, nil
		}
		return false, model.NewNotFoundError(fmt.Sprintf("step %d not found", step.StepOrder))
	})
}

// RemoveStep drops a step from an unlocked workflow template. Remaining
// steps keep their orders.
func (s *Service) RemoveStep(ctx context.Context, templateID string, stepOrder int) (model.WorkflowTemplate, error) {
	return s.mutateWorkflow(ctx, templateID, "remove_step", true, func(t *model.WorkflowTemplate) (bool, error) {
		for i, existing := range t.Steps {
			if existing.StepOrder == stepOrder {
				t.Steps = append(t.Steps[:i:i], t.Steps[i+1:]...)
				return true, nil
			}
		}
		return false, model.NewNotFoundError(fmt.Sprintf("step %d not found", stepOrder))
	})
}

// ReorderSteps renumbers steps to 1..N following stepOrders, which must be
// a permutation of the template's current step orders.
func (s *Service) ReorderSteps(ctx context.Context, templateID string, stepOrders []int) (model.WorkflowTemplate, error) {
	return s.mutateWorkflow(ctx, templateID, "reorder_steps", true, func(t *model.WorkflowTemplate) (bool, error) {
		index := make(map[int]int, len(t.Steps))
		for i, st := range t.Steps {
			index[st.StepOrder] = i
		}
		if err := checkPermutation(stepOrders, index, "step_orders"); err != nil {
			return false, err
		}
		reordered := make([]model.StepSpec, len(stepOrders))
		for pos, order := range stepOrders {
			st := t.Steps[index[order]]
			st.StepOrder = pos + 1
			reordered[pos] = st
		}
		t.Steps = reordered
		return true, nil
	})
}

// DeactivateWorkflowTemplate marks a workflow version inactive.
func (s *Service) DeactivateWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error) {
	return s.mutateWorkflow(ctx, templateID, "deactivate", false, func(t *model.WorkflowTemplate) (bool, error) {
		if !t.IsActive {
			return false, nil
		}
		t.IsActive = false
		return true, nil
	})
}

// LockWorkflowTemplate freezes a workflow version. Locking an already
// locked version is a no-op.
func (s *Service) LockWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error) {
	return s.mutateWorkflow(ctx, templateID, "lock", false, func(t *model.WorkflowTemplate) (bool, error) {
		if t.Locked {
			return false, nil
		}
		t.Locked = true
		return true, nil
	})
}

func (s *Service) mutateWorkflow(
	ctx context.Context,
	templateID, op string,
	rejectLocked bool,
	fn func(t *model.WorkflowTemplate) (bool, error),
) (model.WorkflowTemplate, error) {
	ctx, span := observability.StartSpan(ctx, "template.workflow."+op,
		observability.AttrTemplateID.String(templateID),
	)
	var err error
	defer func() {
		s.metrics.RecordTemplateMutation(KindWorkflow, op, resultLabel(err))
		observability.EndSpanWithError(span, err)
	}()

	var unlock func()
	unlock, err = s.tryLock(ctx, lock.Key("workflow-template", templateID))
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	defer unlock()

	var t model.WorkflowTemplate
	t, err = s.store.GetWorkflow(ctx, templateID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if rejectLocked && t.Locked {
		err = model.NewInvalidStateError(
			fmt.Sprintf("workflow template %q is locked; create a new version to change it", templateID))
		return model.WorkflowTemplate{}, err
	}

	var changed bool
	changed, err = fn(&t)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if !changed {
		return t, nil
	}

	t.UpdatedAt = s.now()
	if err = s.store.UpdateWorkflow(ctx, t); err != nil {
		return model.WorkflowTemplate{}, err
	}
	t.Version++

	observability.RequestLogger(ctx, s.logger).Debug("workflow template updated",
		zap.String("template_id", t.ID),
		zap.String("operation", op),
		zap.Int("version", t.Version),
	)
	return t, nil
}

func (s *Service) tryLock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locker.TryLock(ctx, key)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			s.metrics.RecordLockContention("template")
			observability.RequestLogger(ctx, s.logger).Warn("template lock contention", zap.String("key", key))
		}
		return nil, err
	}
	return unlock, nil
}

// resultLabel maps an operation outcome to a metric label.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(model.CodeOf(err))
}
