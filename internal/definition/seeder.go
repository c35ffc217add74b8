package definition

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/reconcile"
	"github.com/pitabwire/approvals/internal/teamconfig"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/model"
)

// TemplateService is the subset of the template service the seeder drives.
type TemplateService interface {
	ListFormVersions(ctx context.Context, scope model.TemplateScope) ([]model.FormTemplate, error)
	CreateFormTemplate(ctx context.Context, in template.FormTemplateInput) (model.FormTemplate, error)
	ListWorkflowVersions(ctx context.Context, scope model.TemplateScope) ([]model.WorkflowTemplate, error)
	CreateWorkflowTemplate(ctx context.Context, in template.WorkflowTemplateInput) (model.WorkflowTemplate, error)
}

// TeamService is the subset of the team configuration service the seeder
// drives.
type TeamService interface {
	GetTeam(ctx context.Context, teamID string) (model.Team, error)
	CreateTeam(ctx context.Context, in teamconfig.TeamInput) (model.Team, error)
	UpdateTeam(ctx context.Context, team model.Team) (model.Team, error)
	ResolveConfig(ctx context.Context, teamID, category string) (model.TeamCategoryConfig, error)
	UpsertConfig(ctx context.Context, teamID, category, formTemplateID, workflowTemplateID string) (model.TeamCategoryConfig, error)
}

// ApproverDirectory receives approver role assignments.
type ApproverDirectory interface {
	Assign(approverID string, roles ...model.RoleRef)
}

// Invalidator drops cached role lookups after an assignment.
type Invalidator interface {
	Invalidate(approverID string)
}

// SeedResult counts what a seed run changed.
type SeedResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// Seeder applies a registry to the live services. Seeding is idempotent: a
// template scope whose active version already matches its definition is left
// alone, and everything else is written as a new version so that existing
// instances keep their pinned copies.
type Seeder struct {
	templates TemplateService
	teams     TeamService
	directory ApproverDirectory
	cache     Invalidator
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// SeedActor is the actor recorded for changes a seed run makes when the
// caller names none.
const SeedActor = "definition-seeder"

// NewSeeder creates a Seeder. directory, cache, logger and metrics may be
// nil.
func NewSeeder(
	templates TemplateService,
	teams TeamService,
	directory ApproverDirectory,
	cache Invalidator,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		templates: templates,
		teams:     teams,
		directory: directory,
		cache:     cache,
		logger:    logger,
		metrics:   metrics,
	}
}

// Seed applies every definition in the registry. Teams go first, then
// templates, then configs that bind them, then approvers. The run stops at
// the first error.
func (s *Seeder) Seed(ctx context.Context, reg *Registry) (res SeedResult, err error) {
	ctx, span := observability.StartSpan(ctx, "definition.Seed")
	defer func() {
		observability.EndSpanWithError(span, err)
		status := "success"
		if err != nil {
			status = "failure"
		}
		s.metrics.RecordDefinitionSeed(status)
	}()
	if model.RequestContextFrom(ctx) == nil {
		ctx = model.WithRequestContext(ctx, &model.RequestContext{
			ActorID:       SeedActor,
			CorrelationID: reg.Checksum(),
		})
	}

	s.metrics.SetDefinitionsLoaded(float64(reg.Files()))

	for _, t := range reg.Teams() {
		if err = s.seedTeam(ctx, t, &res); err != nil {
			return res, fmt.Errorf("seeding team %q: %w", t.ID, err)
		}
	}

	formIDs := make(map[string]string)
	for _, f := range reg.FormTemplates() {
		var id string
		if id, err = s.seedForm(ctx, f, &res); err != nil {
			return res, fmt.Errorf("seeding form template %q: %w", f.Key, err)
		}
		formIDs[f.Key] = id
	}

	flowIDs := make(map[string]string)
	for _, w := range reg.WorkflowTemplates() {
		var id string
		if id, err = s.seedWorkflow(ctx, w, &res); err != nil {
			return res, fmt.Errorf("seeding workflow template %q: %w", w.Key, err)
		}
		flowIDs[w.Key] = id
	}

	for _, c := range reg.Configs() {
		formID, ok := formIDs[c.Form]
		if !ok {
			err = model.NewNotFoundError(fmt.Sprintf("form template %q is not declared", c.Form))
			return res, err
		}
		flowID, ok := flowIDs[c.Workflow]
		if !ok {
			err = model.NewNotFoundError(fmt.Sprintf("workflow template %q is not declared", c.Workflow))
			return res, err
		}
		if err = s.seedConfig(ctx, c, formID, flowID, &res); err != nil {
			return res, fmt.Errorf("seeding config %s/%s: %w", c.TeamID, c.Category, err)
		}
	}

	if s.directory != nil {
		for _, id := range reg.Approvers() {
			s.directory.Assign(id, reg.ApproverRoles(id)...)
			if s.cache != nil {
				s.cache.Invalidate(id)
			}
		}
	}

	observability.RequestLogger(ctx, s.logger).Info("seed definitions applied",
		zap.String("checksum", reg.Checksum()),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("unchanged", res.Unchanged),
	)
	return res, nil
}

func (s *Seeder) seedTeam(ctx context.Context, def model.TeamDefinition, res *SeedResult) error {
	want := model.Team{ID: def.ID, Name: def.Name, Description: def.Description, Active: def.IsActive()}

	current, err := s.teams.GetTeam(ctx, def.ID)
	switch {
	case model.IsCode(err, model.ErrNotFound):
		created, err := s.teams.CreateTeam(ctx, teamconfig.TeamInput{ID: def.ID, Name: def.Name, Description: def.Description})
		if err != nil {
			return err
		}
		res.Created++
		if created.Active != want.Active {
			_, err = s.teams.UpdateTeam(ctx, want)
		}
		return err
	case err != nil:
		return err
	}

	if reconcile.TeamsEqual(current, want) {
		res.Unchanged++
		return nil
	}
	if _, err := s.teams.UpdateTeam(ctx, want); err != nil {
		return err
	}
	res.Updated++
	return nil
}

func (s *Seeder) seedForm(ctx context.Context, def model.FormTemplateDefinition, res *SeedResult) (string, error) {
	versions, err := s.templates.ListFormVersions(ctx, def.Scope)
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.IsActive && formMatches(v, def) {
			res.Unchanged++
			return v.ID, nil
		}
	}

	created, err := s.templates.CreateFormTemplate(ctx, template.FormTemplateInput{
		Name:     def.Name,
		TeamID:   def.Scope.TeamID,
		Category: def.Scope.Category,
		Fields:   def.Fields,
	})
	if err != nil {
		return "", err
	}
	bumpResult(res, len(versions))
	observability.RequestLogger(ctx, s.logger).Debug("seeded form template",
		zap.String("key", def.Key),
		zap.String("template_id", created.ID),
		zap.Int("version_number", created.VersionNumber),
	)
	return created.ID, nil
}

func (s *Seeder) seedWorkflow(ctx context.Context, def model.WorkflowTemplateDefinition, res *SeedResult) (string, error) {
	versions, err := s.templates.ListWorkflowVersions(ctx, def.Scope)
	if err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.IsActive && workflowMatches(v, def) {
			res.Unchanged++
			return v.ID, nil
		}
	}

	created, err := s.templates.CreateWorkflowTemplate(ctx, template.WorkflowTemplateInput{
		Name:     def.Name,
		TeamID:   def.Scope.TeamID,
		Category: def.Scope.Category,
		Steps:    def.Steps,
	})
	if err != nil {
		return "", err
	}
	bumpResult(res, len(versions))
	observability.RequestLogger(ctx, s.logger).Debug("seeded workflow template",
		zap.String("key", def.Key),
		zap.String("template_id", created.ID),
		zap.Int("version_number", created.VersionNumber),
	)
	return created.ID, nil
}

func (s *Seeder) seedConfig(ctx context.Context, def model.ConfigDefinition, formID, flowID string, res *SeedResult) error {
	current, err := s.teams.ResolveConfig(ctx, def.TeamID, def.Category)
	switch {
	case model.IsCode(err, model.ErrNotFound):
	case err != nil:
		return err
	case current.FormTemplateID == formID && current.WorkflowTemplateID == flowID:
		res.Unchanged++
		return nil
	}

	if _, err := s.teams.UpsertConfig(ctx, def.TeamID, def.Category, formID, flowID); err != nil {
		return err
	}
	if current.ID == "" {
		res.Created++
	} else {
		res.Updated++
	}
	return nil
}

// bumpResult counts a new template version as an update when the scope
// already had versions.
func bumpResult(res *SeedResult, existing int) {
	if existing == 0 {
		res.Created++
		return
	}
	res.Updated++
}

// formMatches compares content in field order; the stored Order values are
// renumbered on create so positions stand in for them.
func formMatches(t model.FormTemplate, def model.FormTemplateDefinition) bool {
	if t.Name != def.Name || len(t.Fields) != len(def.Fields) {
		return false
	}
	for i, f := range t.SortedFields() {
		if !reconcile.FieldSpecsEqual(f, def.Fields[i]) {
			return false
		}
	}
	return true
}

func workflowMatches(t model.WorkflowTemplate, def model.WorkflowTemplateDefinition) bool {
	if t.Name != def.Name || len(t.Steps) != len(def.Steps) {
		return false
	}
	have, err := model.OrderedSteps(t.Steps)
	if err != nil {
		return false
	}
	want, err := model.OrderedSteps(def.Steps)
	if err != nil {
		return false
	}
	for i := range have {
		if have[i].StepOrder != want[i].StepOrder || !reconcile.StepsEqual(have[i], want[i]) {
			return false
		}
	}
	return true
}
