package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/teamconfig"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/model"
)

func TestTeamRemote_Sync(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewMemoryLocker()
	templates := template.NewService(template.NewMemoryStore(), locker, nil, nil)
	teams := teamconfig.NewService(teamconfig.NewMemoryStore(), templates, locker, nil, nil)

	_, err := teams.CreateTeam(ctx, teamconfig.TeamInput{ID: "ops", Name: "Operations"})
	require.NoError(t, err)
	_, err = teams.CreateTeam(ctx, teamconfig.TeamInput{ID: "legacy", Name: "Legacy"})
	require.NoError(t, err)

	pool, err := NewPool(2, nil)
	require.NoError(t, err)
	defer pool.Release()
	applier := NewApplier(pool, CollectionTeams, TeamKey, nil, nil)

	remote := TeamRemote{Catalog: teams}
	current, err := remote.List(ctx)
	require.NoError(t, err)

	// Draft: rename ops, add finance, drop legacy.
	var draft []model.Team
	for _, team := range current {
		if team.ID == "ops" {
			team.Name = "Operations & IT"
			draft = append(draft, team)
		}
	}
	draft = append(draft, model.Team{ID: "fin", Name: "Finance", Active: true})

	out, err := applier.Sync(ctx, remote, draft, TeamsEqual)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 1, out.Deleted)

	ops, err := teams.GetTeam(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, "Operations & IT", ops.Name)

	legacy, err := teams.GetTeam(ctx, "legacy")
	require.NoError(t, err)
	assert.False(t, legacy.Active, "teams are deactivated, not deleted")

	fin, err := teams.GetTeam(ctx, "fin")
	require.NoError(t, err)
	assert.True(t, fin.Active)
}

func TestFieldRemote_Sync(t *testing.T) {
	ctx := context.Background()
	templates := template.NewService(template.NewMemoryStore(), lock.NewMemoryLocker(), nil, nil)
	form, err := templates.CreateFormTemplate(ctx, template.FormTemplateInput{
		Name: "Purchase",
		Fields: []model.FieldSpec{
			{FieldID: "vendor", Name: "vendor", Label: "Vendor", DataType: model.DataTypeText},
			{FieldID: "fax", Name: "fax", Label: "Fax", DataType: model.DataTypeText},
		},
	})
	require.NoError(t, err)

	pool, err := NewPool(4, nil)
	require.NoError(t, err)
	defer pool.Release()
	applier := NewApplier(pool, CollectionFields, FieldKey, nil, nil)

	draft := []model.FieldSpec{
		{FieldID: "vendor", Name: "vendor", Label: "Supplier", DataType: model.DataTypeText, Required: true},
		{FieldID: "amount", Name: "amount", Label: "Amount", DataType: model.DataTypeNumber},
		{FieldID: "urgent", Name: "urgent", Label: "Urgent", DataType: model.DataTypeBoolean},
	}
	out, err := applier.Sync(ctx, NewFieldRemote(templates, form.ID), draft, FieldSpecsEqual)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Created)
	assert.Equal(t, 1, out.Updated)
	assert.Equal(t, 1, out.Deleted)

	got, err := templates.GetFormTemplate(ctx, form.ID)
	require.NoError(t, err)
	require.Len(t, got.Fields, 3)
	vendor, ok := got.Field("vendor")
	require.True(t, ok)
	assert.Equal(t, "Supplier", vendor.Label)
	_, ok = got.Field("fax")
	assert.False(t, ok)

	// A second sync finds nothing to do.
	out, err = applier.Sync(ctx, NewFieldRemote(templates, form.ID), draft, FieldSpecsEqual)
	require.NoError(t, err)
	assert.Equal(t, Outcome[model.FieldSpec]{}, out)
}

func TestStepRemote_SyncRejectedOnLockedTemplate(t *testing.T) {
	ctx := context.Background()
	templates := template.NewService(template.NewMemoryStore(), lock.NewMemoryLocker(), nil, nil)
	flow, err := templates.CreateWorkflowTemplate(ctx, template.WorkflowTemplateInput{
		Name:  "Chain",
		Steps: []model.StepSpec{{StepName: "manager", StepOrder: 1, RequiredRoles: []model.RoleRef{"MANAGER"}}},
	})
	require.NoError(t, err)

	pool, err := NewPool(2, nil)
	require.NoError(t, err)
	defer pool.Release()
	applier := NewApplier(pool, CollectionSteps, StepKey, nil, nil)
	remote := NewStepRemote(templates, flow.ID)

	draft := []model.StepSpec{
		{StepName: "manager", StepOrder: 1, RequiredRoles: []model.RoleRef{"MANAGER"}},
		{StepName: "finance", StepOrder: 2, IsFinanceReview: true},
	}
	out, err := applier.Sync(ctx, remote, draft, StepsEqual)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)

	_, err = templates.LockWorkflowTemplate(ctx, flow.ID)
	require.NoError(t, err)

	draft[0].RequiredRoles = []model.RoleRef{"DIRECTOR"}
	out, err = applier.Sync(ctx, remote, draft, StepsEqual)
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "error = %v", err)
	require.True(t, out.Reloaded)
	require.Len(t, out.Remote, 2)
	assert.Equal(t, []model.RoleRef{"MANAGER"}, out.Remote[0].RequiredRoles)
}
