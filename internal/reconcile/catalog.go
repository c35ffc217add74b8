package reconcile

import (
	"context"
	"strconv"
	"sync"

	"github.com/pitabwire/approvals/internal/teamconfig"
	"github.com/pitabwire/approvals/model"
)

// Collection names used for appliers, breakers and metrics.
const (
	CollectionTeams  = "teams"
	CollectionFields = "fields"
	CollectionSteps  = "steps"
)

// TeamKey keys teams by ID.
func TeamKey(t model.Team) string { return t.ID }

// TeamFields are the editable team attributes.
var TeamFields = []Field[model.Team]{
	{Name: "name", Value: func(t model.Team) any { return t.Name }},
	{Name: "description", Value: func(t model.Team) any { return t.Description }},
	{Name: "active", Value: func(t model.Team) any { return t.Active }},
}

// TeamsEqual compares teams on their editable attributes.
func TeamsEqual(a, b model.Team) bool { return FieldsEqual(a, b, TeamFields...) }

// FieldKey keys form fields by their stable field ID.
func FieldKey(f model.FieldSpec) string { return f.FieldID }

// FieldSpecFields are the editable form field attributes. Order is managed
// by ReorderFields and is not compared.
var FieldSpecFields = []Field[model.FieldSpec]{
	{Name: "name", Value: func(f model.FieldSpec) any { return f.Name }},
	{Name: "label", Value: func(f model.FieldSpec) any { return f.Label }},
	{Name: "data_type", Value: func(f model.FieldSpec) any { return f.DataType }},
	{Name: "required", Value: func(f model.FieldSpec) any { return f.Required }},
	{Name: "default_value", Value: func(f model.FieldSpec) any { return f.DefaultValue }},
	{Name: "help_text", Value: func(f model.FieldSpec) any { return f.HelpText }},
	{Name: "dropdown_options", Value: func(f model.FieldSpec) any { return nilIfEmpty(f.DropdownOptions) }},
}

// FieldSpecsEqual compares form fields on their editable attributes.
func FieldSpecsEqual(a, b model.FieldSpec) bool { return FieldsEqual(a, b, FieldSpecFields...) }

// StepKey keys workflow steps by their order, unique within a template.
func StepKey(s model.StepSpec) string { return strconv.Itoa(s.StepOrder) }

// StepFields are the editable workflow step attributes.
var StepFields = []Field[model.StepSpec]{
	{Name: "step_name", Value: func(s model.StepSpec) any { return s.StepName }},
	{Name: "is_finance_review", Value: func(s model.StepSpec) any { return s.IsFinanceReview }},
	{Name: "required_roles", Value: func(s model.StepSpec) any { return nilIfEmpty(s.RequiredRoles) }},
}

// StepsEqual compares workflow steps on their editable attributes.
func StepsEqual(a, b model.StepSpec) bool { return FieldsEqual(a, b, StepFields...) }

func nilIfEmpty[E any](s []E) []E {
	if len(s) == 0 {
		return nil
	}
	return s
}

// TeamCatalog is the team service surface TeamRemote drives.
type TeamCatalog interface {
	ListTeams(ctx context.Context) ([]model.Team, error)
	CreateTeam(ctx context.Context, in teamconfig.TeamInput) (model.Team, error)
	UpdateTeam(ctx context.Context, team model.Team) (model.Team, error)
	SetTeamActive(ctx context.Context, teamID string, active bool) (model.Team, error)
}

// TeamRemote exposes the team catalog as a Remote. Teams are never deleted:
// Delete deactivates.
type TeamRemote struct {
	Catalog TeamCatalog
}

// List implements Remote.
func (r TeamRemote) List(ctx context.Context) ([]model.Team, error) {
	return r.Catalog.ListTeams(ctx)
}

// Create implements Remote.
func (r TeamRemote) Create(ctx context.Context, t model.Team) error {
	created, err := r.Catalog.CreateTeam(ctx, teamconfig.TeamInput{ID: t.ID, Name: t.Name, Description: t.Description})
	if err != nil {
		return err
	}
	if !t.Active {
		_, err = r.Catalog.SetTeamActive(ctx, created.ID, false)
	}
	return err
}

// Update implements Remote.
func (r TeamRemote) Update(ctx context.Context, t model.Team) error {
	_, err := r.Catalog.UpdateTeam(ctx, t)
	return err
}

// Delete implements Remote.
func (r TeamRemote) Delete(ctx context.Context, t model.Team) error {
	_, err := r.Catalog.SetTeamActive(ctx, t.ID, false)
	return err
}

// FormEditor is the template service surface FieldRemote drives.
type FormEditor interface {
	GetFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error)
	AddField(ctx context.Context, templateID string, field model.FieldSpec) (model.FormTemplate, error)
	UpdateField(ctx context.Context, templateID string, field model.FieldSpec) (model.FormTemplate, error)
	RemoveField(ctx context.Context, templateID, fieldID string) (model.FormTemplate, error)
}

// FieldRemote exposes the fields of one unlocked form template as a Remote.
// Writes are serialised because every field edit takes the template's lock.
type FieldRemote struct {
	editor     FormEditor
	templateID string
	mu         sync.Mutex
}

// NewFieldRemote creates a FieldRemote for templateID.
func NewFieldRemote(editor FormEditor, templateID string) *FieldRemote {
	return &FieldRemote{editor: editor, templateID: templateID}
}

// List implements Remote.
func (r *FieldRemote) List(ctx context.Context) ([]model.FieldSpec, error) {
	t, err := r.editor.GetFormTemplate(ctx, r.templateID)
	if err != nil {
		return nil, err
	}
	return t.SortedFields(), nil
}

// Create implements Remote.
func (r *FieldRemote) Create(ctx context.Context, f model.FieldSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editor.AddField(ctx, r.templateID, f)
	return err
}

// Update implements Remote.
func (r *FieldRemote) Update(ctx context.Context, f model.FieldSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editor.UpdateField(ctx, r.templateID, f)
	return err
}

// Delete implements Remote.
func (r *FieldRemote) Delete(ctx context.Context, f model.FieldSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editor.RemoveField(ctx, r.templateID, f.FieldID)
	return err
}

// WorkflowEditor is the template service surface StepRemote drives.
type WorkflowEditor interface {
	GetWorkflowTemplate(ctx context.Context, templateID string) (model.WorkflowTemplate, error)
	AddStep(ctx context.Context, templateID string, step model.StepSpec) (model.WorkflowTemplate, error)
	UpdateStep(ctx context.Context, templateID string, step model.StepSpec) (model.WorkflowTemplate, error)
	RemoveStep(ctx context.Context, templateID string, stepOrder int) (model.WorkflowTemplate, error)
}

// StepRemote exposes the steps of one unlocked workflow template as a
// Remote. Writes are serialised like FieldRemote's.
type StepRemote struct {
	editor     WorkflowEditor
	templateID string
	mu         sync.Mutex
}

// NewStepRemote creates a StepRemote for templateID.
func NewStepRemote(editor WorkflowEditor, templateID string) *StepRemote {
	return &StepRemote{editor: editor, templateID: templateID}
}

// List implements Remote.
func (r *StepRemote) List(ctx context.Context) ([]model.StepSpec, error) {
	t, err := r.editor.GetWorkflowTemplate(ctx, r.templateID)
	if err != nil {
		return nil, err
	}
	return t.Steps, nil
}

// Create implements Remote.
func (r *StepRemote) Create(ctx context.Context, s model.StepSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editor.AddStep(ctx, r.templateID, s)
	return err
}

// Update implements Remote.
func (r *StepRemote) Update(ctx context.Context, s model.StepSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editor.UpdateStep(ctx, r.templateID, s)
	return err
}

// Delete implements Remote.
func (r *StepRemote) Delete(ctx context.Context, s model.StepSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.editor.RemoveStep(ctx, r.templateID, s.StepOrder)
	return err
}
