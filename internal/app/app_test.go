package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/reconcile"
	"github.com/pitabwire/approvals/internal/submission"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// newTestApp builds an App on in-memory drivers with the testdata
// definitions loaded and seeded.
func newTestApp(t *testing.T, mutate func(cfg *config.Config)) *App {
	t.Helper()
	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{"testdata/definitions"}
	cfg.Engine.RequireFinanceStep = true
	cfg.Reconcile.Workers = 2
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(context.Background(), cfg, nil, observability.InitMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	require.NoError(t, a.LoadDefinitions())
	_, err = a.Seed(context.Background())
	require.NoError(t, err)
	return a
}

func TestApp_WorkflowLifecycle(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	inst, err := a.Engine.Create(ctx, workflow.CreateInput{TeamID: "ops", Category: "hardware", SubmittedBy: "eve"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, inst.Status)

	inst, err = a.Engine.Submit(ctx, inst.ID, "eve")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingApproval, inst.Status)

	// bob holds FINANCE only and cannot act on the manager step.
	_, err = a.Engine.RecordApproval(ctx, workflow.ApprovalInput{
		InstanceID: inst.ID, StepOrder: 1, ApproverID: "bob", Decision: model.DecisionApprove,
	})
	assert.True(t, model.IsCode(err, model.ErrStepUnauthorized), "got %v", err)

	inst, err = a.Engine.RecordApproval(ctx, workflow.ApprovalInput{
		InstanceID: inst.ID, StepOrder: 1, ApproverID: "alice", Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinanceReview, inst.Status)
	assert.Equal(t, 2, inst.CurrentStepOrder)

	inst, err = a.Engine.RecordApproval(ctx, workflow.ApprovalInput{
		InstanceID: inst.ID, StepOrder: 2, ApproverID: "bob", Decision: model.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, inst.Status)

	history, err := a.Engine.History(ctx, inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, model.EventCreated, history[0].Event)
	assert.Equal(t, model.EventCompleted, history[len(history)-1].Event)

	// The seeded templates are locked once an instance pins them.
	bundle, err := a.Teams.ResolveBundle(ctx, "ops", "hardware")
	require.NoError(t, err)
	assert.True(t, bundle.Workflow.Locked)
	assert.True(t, bundle.Form.Locked)
}

func TestApp_SubmissionGroup(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Submission.Aggregation = config.AggregationUnanimous })
	ctx := context.Background()

	bundle, err := a.Teams.ResolveBundle(ctx, "ops", "hardware")
	require.NoError(t, err)

	group, err := a.Submissions.CreateGroup(ctx, submission.GroupInput{Title: "Q3 laptops"})
	require.NoError(t, err)

	values := map[string]model.FieldValue{
		"item":   model.TextValue("laptop"),
		"amount": model.NumberValue(1200),
	}
	first, err := a.Submissions.AddSubmission(ctx, group.Group.ID, submission.SubmissionInput{
		FormTemplateID: bundle.Form.ID, Values: values, Status: model.SubmissionApproved,
	})
	require.NoError(t, err)
	_, err = a.Submissions.AddSubmission(ctx, group.Group.ID, submission.SubmissionInput{
		FormTemplateID: bundle.Form.ID, Values: values,
	})
	require.NoError(t, err)

	view, err := a.Submissions.GetGroup(ctx, group.Group.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionDraft, view.DerivedStatus, "unanimous mode reports the weakest member")

	view, err = a.Submissions.SetSubmissionStatus(ctx, group.Group.ID, first.ID, model.SubmissionRejected, "over budget")
	require.NoError(t, err)
	assert.Equal(t, "over budget", view.RejectionComment)

	_, err = a.Submissions.AddSubmission(ctx, group.Group.ID, submission.SubmissionInput{
		FormTemplateID: bundle.Form.ID, Values: map[string]model.FieldValue{"item": model.TextValue("mouse")},
	})
	assert.True(t, model.IsCode(err, model.ErrValidationError), "missing amount: %v", err)
}

func TestApp_CatalogSync(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	teams, err := a.Teams.ListTeams(ctx)
	require.NoError(t, err)
	var draft []model.Team
	for _, team := range teams {
		if team.ID == "ops" {
			draft = append(draft, team)
		}
	}
	draft = append(draft, model.Team{ID: "fin", Name: "Finance", Active: true})

	out, err := a.Catalog.SyncTeams(ctx, draft)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
	assert.Equal(t, 1, out.Deleted)

	legacy, err := a.Teams.GetTeam(ctx, "legacy")
	require.NoError(t, err)
	assert.False(t, legacy.Active)

	// Edit a fresh, unlocked version of the seeded form.
	bundle, err := a.Teams.ResolveBundle(ctx, "ops", "hardware")
	require.NoError(t, err)
	next, err := a.Templates.NewFormVersion(ctx, bundle.Form.ID)
	require.NoError(t, err)

	fields := next.SortedFields()
	fields = append(fields, model.FieldSpec{FieldID: "vendor", Name: "vendor", Label: "Vendor", DataType: model.DataTypeText})
	fout, err := a.Catalog.SyncFields(ctx, next.ID, fields)
	require.NoError(t, err)
	assert.Equal(t, 1, fout.Created)

	got, err := a.Templates.GetFormTemplate(ctx, next.ID)
	require.NoError(t, err)
	_, ok := got.Field("vendor")
	assert.True(t, ok)

	flow, err := a.Templates.NewWorkflowVersion(ctx, bundle.Workflow.ID)
	require.NoError(t, err)
	steps := append([]model.StepSpec(nil), flow.Steps...)
	steps[0].StepName = "Line manager"
	sout, err := a.Catalog.SyncSteps(ctx, flow.ID, steps)
	require.NoError(t, err)
	assert.Equal(t, 1, sout.Updated)
}

func TestApp_LoadDefinitions_invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
configs:
  - team_id: ghost
    category: hardware
    form: nope
    workflow: nope
`), 0o600))

	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{dir}
	a, err := New(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	err = a.LoadDefinitions()
	require.Error(t, err)
	assert.False(t, a.Readiness().DefinitionsLoaded())
}

func TestApp_LoadDefinitions_skips_missing_directory(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Definitions.Directories = append(cfg.Definitions.Directories, "testdata/absent")
	})
	assert.Equal(t, 1, a.Registry.Files())
	assert.True(t, a.Readiness().DefinitionsLoaded())
}

func TestApp_Readiness_endpoint(t *testing.T) {
	a := newTestApp(t, nil)
	router := transport.NewRouter(transport.Dependencies{
		Metrics:   a.Metrics,
		Gatherer:  prometheus.NewRegistry(),
		Readiness: a.Readiness(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestApp_RefreshDirectory(t *testing.T) {
	policy := filepath.Join(t.TempDir(), "approvers.yaml")
	data, err := os.ReadFile("testdata/approvers.yaml")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(policy, data, 0o600))

	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Directory.PolicyFile = policy
		cfg.Directory.Cache.TTL = time.Hour
	})

	roles, err := a.Roles.Resolve("dave")
	require.NoError(t, err)
	assert.True(t, roles.Has("DIRECTOR"))

	require.NoError(t, os.WriteFile(policy, []byte("approvers:\n  dave: [CONTROLLER]\n"), 0o600))
	require.NoError(t, a.RefreshDirectory())

	roles, err = a.Roles.Resolve("dave")
	require.NoError(t, err)
	assert.True(t, roles.Has("CONTROLLER"))
	assert.False(t, roles.Has("DIRECTOR"))

	// Seeded approvers survive a refresh.
	roles, err = a.Roles.Resolve("alice")
	require.NoError(t, err)
	assert.True(t, roles.Has("MANAGER"))
}

func TestApp_RedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("APPROVALS_TEST_REDIS_ADDR", mr.Addr())

	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Lock.Driver = config.DriverRedis
		cfg.Lock.AddrEnv = "APPROVALS_TEST_REDIS_ADDR"
	})
	checks := a.Readiness()
	require.NotNil(t, checks.LockBackend)
	assert.NoError(t, checks.LockBackend.HealthCheck(context.Background()))

	_, err := a.Engine.Create(context.Background(), workflow.CreateInput{TeamID: "ops", Category: "hardware", SubmittedBy: "eve"})
	assert.NoError(t, err)
}

func TestApp_New_redis_address_missing(t *testing.T) {
	cfg := config.Defaults()
	cfg.Lock.Driver = config.DriverRedis
	cfg.Lock.AddrEnv = "APPROVALS_TEST_REDIS_UNSET"
	t.Setenv("APPROVALS_TEST_REDIS_UNSET", "")

	_, err := New(context.Background(), cfg, nil, nil)
	assert.Error(t, err)
}

func TestApp_Retry_uses_configured_attempts(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Engine.RetryAttempts = 4 })

	calls := 0
	err := a.Retry(context.Background(), func(context.Context) error {
		calls++
		return model.NewConflictError("instance busy")
	})
	assert.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)
	assert.Equal(t, 4, calls)

	calls = 0
	err = a.Retry(context.Background(), func(context.Context) error {
		calls++
		return model.NewNotFoundError("gone")
	})
	assert.True(t, model.IsCode(err, model.ErrNotFound), "got %v", err)
	assert.Equal(t, 1, calls, "non-conflict errors are not retried")
}

func TestApp_Seed_retries_held_lock(t *testing.T) {
	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{"testdata/definitions"}
	cfg.Engine.RetryAttempts = 2
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	a, err := New(context.Background(), cfg, nil, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	require.NoError(t, a.LoadDefinitions())

	scope := model.TemplateScope{TeamID: "ops", Category: "hardware"}
	unlock, err := a.locker.TryLock(context.Background(), lock.Key("form-scope", scope.String()))
	require.NoError(t, err)

	_, err = a.Seed(context.Background())
	assert.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DefinitionSeedTotal.WithLabelValues("failure")))

	unlock()
	res, err := a.Seed(context.Background())
	require.NoError(t, err)
	assert.Positive(t, res.Created+res.Unchanged)
}

func TestCatalog_forgets_locked_template(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	bundle, err := a.Teams.ResolveBundle(ctx, "ops", "hardware")
	require.NoError(t, err)
	next, err := a.Templates.NewFormVersion(ctx, bundle.Form.ID)
	require.NoError(t, err)

	fields := append(next.SortedFields(), model.FieldSpec{FieldID: "vendor", Name: "vendor", Label: "Vendor", DataType: model.DataTypeText})
	_, err = a.Catalog.SyncFields(ctx, next.ID, fields)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Catalog.fieldRemotes.len())

	_, err = a.Templates.LockFormTemplate(ctx, next.ID)
	require.NoError(t, err)

	fields = append(fields, model.FieldSpec{FieldID: "quote", Name: "quote", Label: "Quote", DataType: model.DataTypeText})
	_, err = a.Catalog.SyncFields(ctx, next.ID, fields)
	assert.True(t, model.IsCode(err, model.ErrInvalidState), "got %v", err)
	assert.Zero(t, a.Catalog.fieldRemotes.len())
}

func TestRemoteCache_bounded(t *testing.T) {
	built := 0
	cache := newRemoteCache(2, func(templateID string) *reconcile.BreakerRemote[model.StepSpec] {
		built++
		return reconcile.NewBreakerRemote[model.StepSpec](nil, reconcile.CollectionSteps, config.Defaults().Reconcile.CircuitBreaker, nil, nil)
	})

	first := cache.get("a")
	cache.get("b")
	assert.Same(t, first, cache.get("a"))
	cache.get("c")

	assert.Equal(t, 2, cache.len())
	assert.Equal(t, 3, built)
	assert.NotSame(t, first, cache.get("a"), "oldest entry is evicted when full")

	cache.forget("a")
	cache.forget("missing")
	assert.Equal(t, 1, cache.len())
}
