// Package app wires configuration, stores, lock backend and services into a
// running approvals process.
package app

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/directory"
	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/postgres"
	"github.com/pitabwire/approvals/internal/reconcile"
	"github.com/pitabwire/approvals/internal/submission"
	"github.com/pitabwire/approvals/internal/teamconfig"
	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// App holds the wired services of one process.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	Templates   *template.Service
	Teams       *teamconfig.Service
	Engine      *workflow.Engine
	Submissions *submission.Service
	Directory   *directory.StaticDirectory
	Roles       *directory.Resolver
	Registry    *definition.Registry
	Catalog     *Catalog

	locker    lock.Locker
	pool      *pgxpool.Pool
	redis     *redis.Client
	workers   *ants.Pool
	validator *definition.Validator
	seeder    *definition.Seeder
	loaded    atomic.Bool
}

// New builds an App from cfg. metrics may be nil. Close releases what New
// opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Registry:  definition.NewRegistry(nil),
		validator: definition.NewValidator(cfg.Engine.RequireFinanceStep),
	}

	if err := a.openStores(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	if err := a.openLocker(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}

	dir, err := directory.NewStaticDirectory(cfg.Directory.PolicyFile)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	a.Directory = dir
	a.Roles = directory.NewResolver(dir, cfg.Directory.Cache.TTL, cfg.Directory.Cache.MaxEntries, metrics)

	var (
		templateStore   template.Store
		teamStore       teamconfig.Store
		workflowStore   workflow.Store
		submissionStore submission.Store
	)
	if a.pool != nil {
		templateStore = template.NewPgStore(a.pool)
		teamStore = teamconfig.NewPgStore(a.pool)
		workflowStore = workflow.NewPgStore(a.pool)
		submissionStore = submission.NewPgStore(a.pool)
	} else {
		templateStore = template.NewMemoryStore()
		teamStore = teamconfig.NewMemoryStore()
		workflowStore = workflow.NewMemoryStore()
		submissionStore = submission.NewMemoryStore()
	}

	a.Templates = template.NewService(templateStore, a.locker, logger.Named("template"), metrics)
	a.Teams = teamconfig.NewService(teamStore, a.Templates, a.locker, logger.Named("teamconfig"), metrics)
	a.Engine = workflow.NewEngine(
		workflowStore, a.Teams, a.Templates, a.Roles, a.locker,
		workflow.Options{
			FinanceRole:        model.RoleRef(cfg.Engine.FinanceRole),
			RequireFinanceStep: cfg.Engine.RequireFinanceStep,
		},
		logger.Named("workflow"), metrics,
	)

	aggregate, err := submission.AggregatorFor(cfg.Submission.Aggregation)
	if err != nil {
		a.Close(context.Background())
		return nil, err
	}
	a.Submissions = submission.NewService(submissionStore, a.Templates, a.locker, aggregate, logger.Named("submission"), metrics)

	a.workers, err = reconcile.NewPool(cfg.Reconcile.Workers, logger.Named("reconcile"))
	if err != nil {
		a.Close(context.Background())
		return nil, fmt.Errorf("reconcile pool: %w", err)
	}
	a.Catalog = newCatalog(a.workers, a.Teams, a.Templates, cfg.Reconcile.CircuitBreaker, logger.Named("reconcile"), metrics)

	a.seeder = definition.NewSeeder(a.Templates, a.Teams, a.Directory, a.Roles, logger.Named("definition"), metrics)

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	if a.Config.Store.Driver != config.DriverPostgres {
		a.Logger.Info("using in-memory stores")
		return nil
	}
	pool, err := postgres.Open(ctx, a.Config.Store, a.Logger)
	if err != nil {
		return err
	}
	a.pool = pool
	if a.Config.Store.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		a.Logger.Info("postgres schema applied")
	}
	return nil
}

func (a *App) openLocker(ctx context.Context) error {
	if a.Config.Lock.Driver != config.DriverRedis {
		a.locker = lock.NewMemoryLocker()
		return nil
	}
	addr := os.Getenv(a.Config.Lock.AddrEnv)
	if addr == "" {
		return fmt.Errorf("lock: %s environment variable not set", a.Config.Lock.AddrEnv)
	}
	a.redis = redis.NewClient(&redis.Options{Addr: addr, DB: a.Config.Lock.DB})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("lock: redis ping: %w", err)
	}
	a.locker = lock.NewRedisLocker(a.redis, a.Config.Lock.Prefix, a.Config.Lock.TTL, a.Logger.Named("lock"))
	a.Logger.Info("using redis lock backend", zap.String("addr", addr))
	return nil
}

// LoadDefinitions loads and validates the configured definition directories
// and swaps them into the registry. Missing directories are skipped.
func (a *App) LoadDefinitions() error {
	var dirs []string
	for _, d := range a.Config.Definitions.Directories {
		if _, err := os.Stat(d); err != nil {
			a.Logger.Warn("definition directory not found", zap.String("dir", d))
			continue
		}
		dirs = append(dirs, d)
	}

	defs, err := definition.NewLoader().LoadAll(dirs)
	if err != nil {
		return err
	}
	if verrs := a.validator.Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			a.Logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("definition validation failed with %d errors", len(verrs))
	}
	a.Registry.Replace(defs)
	a.Metrics.SetDefinitionsLoaded(float64(len(defs)))
	a.loaded.Store(true)
	a.Logger.Info("definitions loaded",
		zap.Int("files", len(defs)),
		zap.String("checksum", a.Registry.Checksum()),
	)
	return nil
}

// Seed applies the loaded definitions through the services. Seeding is
// idempotent, so a run that hits a held lock is retried.
func (a *App) Seed(ctx context.Context) (res definition.SeedResult, err error) {
	err = a.Retry(ctx, func(ctx context.Context) error {
		var seedErr error
		res, seedErr = a.seeder.Seed(ctx, a.Registry)
		return seedErr
	})
	return res, err
}

// Retry runs fn until it stops failing with CONFLICT, at most
// engine.retry_attempts times.
func (a *App) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return workflow.RetryOnConflict(ctx, a.Config.Engine.RetryAttempts, fn)
}

// RefreshDirectory reloads the approver policy file, reapplies the seeded
// approvers on top and drops cached role lookups.
func (a *App) RefreshDirectory() error {
	if a.Config.Directory.PolicyFile == "" {
		return nil
	}
	if err := a.Directory.Sync(); err != nil {
		return err
	}
	for _, id := range a.Registry.Approvers() {
		a.Directory.Assign(id, a.Registry.ApproverRoles(id)...)
	}
	a.Roles.InvalidateAll()
	return nil
}

// Readiness returns the checks backing the /ready endpoint.
func (a *App) Readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		DefinitionsLoaded: a.loaded.Load,
		DirectoryLoaded: a.Directory.Loaded,
	}
	if a.pool != nil {
		checks.Store = postgres.HealthChecker{Pool: a.pool}
	}
	if rl, ok := a.locker.(*lock.RedisLocker); ok {
		checks.LockBackend = rl
	}
	return checks
}

// Close drains the reconcile workers and closes connections. It waits up to
// the configured release timeout, bounded by ctx.
func (a *App) Close(ctx context.Context) {
	if a.workers != nil {
		timeout := a.Config.Reconcile.ReleaseTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
		}
		if err := a.workers.ReleaseTimeout(timeout); err != nil {
			a.Logger.Warn("reconcile workers did not drain", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// maxCachedRemotes bounds the per-template breakers a Catalog keeps.
const maxCachedRemotes = 128

// Catalog syncs editable drafts of teams, form fields and workflow steps
// against the live services. Each collection sits behind its own circuit
// breaker; field and step breakers are kept per template until the template
// is locked, is gone, or ages out of the cache.
type Catalog struct {
	teams      *reconcile.Applier[model.Team]
	teamRemote *reconcile.BreakerRemote[model.Team]
	fields     *reconcile.Applier[model.FieldSpec]
	steps      *reconcile.Applier[model.StepSpec]

	fieldRemotes *remoteCache[model.FieldSpec]
	stepRemotes  *remoteCache[model.StepSpec]
}

func newCatalog(
	pool *ants.Pool,
	teams *teamconfig.Service,
	templates *template.Service,
	breaker config.CircuitBreakerConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Catalog {
	return &Catalog{
		teams:      reconcile.NewApplier(pool, reconcile.CollectionTeams, reconcile.TeamKey, logger, metrics),
		teamRemote: reconcile.NewBreakerRemote[model.Team](reconcile.TeamRemote{Catalog: teams}, reconcile.CollectionTeams, breaker, logger, metrics),
		fields:     reconcile.NewApplier(pool, reconcile.CollectionFields, reconcile.FieldKey, logger, metrics),
		steps:      reconcile.NewApplier(pool, reconcile.CollectionSteps, reconcile.StepKey, logger, metrics),
		fieldRemotes: newRemoteCache(maxCachedRemotes, func(templateID string) *reconcile.BreakerRemote[model.FieldSpec] {
			return reconcile.NewBreakerRemote[model.FieldSpec](
				reconcile.NewFieldRemote(templates, templateID), reconcile.CollectionFields, breaker, logger, metrics)
		}),
		stepRemotes: newRemoteCache(maxCachedRemotes, func(templateID string) *reconcile.BreakerRemote[model.StepSpec] {
			return reconcile.NewBreakerRemote[model.StepSpec](
				reconcile.NewStepRemote(templates, templateID), reconcile.CollectionSteps, breaker, logger, metrics)
		}),
	}
}

// SyncTeams makes the team catalog match draft. Teams missing from the draft
// are deactivated.
func (c *Catalog) SyncTeams(ctx context.Context, draft []model.Team) (reconcile.Outcome[model.Team], error) {
	return c.teams.Sync(ctx, c.teamRemote, draft, reconcile.TeamsEqual)
}

// SyncFields makes an unlocked form template's fields match draft.
func (c *Catalog) SyncFields(ctx context.Context, templateID string, draft []model.FieldSpec) (reconcile.Outcome[model.FieldSpec], error) {
	out, err := c.fields.Sync(ctx, c.fieldRemotes.get(templateID), draft, reconcile.FieldSpecsEqual)
	if templateClosed(err) {
		c.fieldRemotes.forget(templateID)
	}
	return out, err
}

// SyncSteps makes an unlocked workflow template's steps match draft.
func (c *Catalog) SyncSteps(ctx context.Context, templateID string, draft []model.StepSpec) (reconcile.Outcome[model.StepSpec], error) {
	out, err := c.steps.Sync(ctx, c.stepRemotes.get(templateID), draft, reconcile.StepsEqual)
	if templateClosed(err) {
		c.stepRemotes.forget(templateID)
	}
	return out, err
}

// templateClosed reports whether err means the template can no longer be
// edited: it is locked or does not exist.
func templateClosed(err error) bool {
	return model.IsCode(err, model.ErrInvalidState) || model.IsCode(err, model.ErrNotFound)
}

// remoteCache keeps one breaker-wrapped remote per template and evicts the
// oldest entry once full.
type remoteCache[T any] struct {
	mu      sync.Mutex
	max     int
	order   []string
	remotes map[string]*reconcile.BreakerRemote[T]
	build   func(templateID string) *reconcile.BreakerRemote[T]
}

func newRemoteCache[T any](maxEntries int, build func(templateID string) *reconcile.BreakerRemote[T]) *remoteCache[T] {
	return &remoteCache[T]{
		max:     maxEntries,
		remotes: make(map[string]*reconcile.BreakerRemote[T]),
		build:   build,
	}
}

func (c *remoteCache[T]) get(templateID string) *reconcile.BreakerRemote[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.remotes[templateID]; ok {
		return r
	}
	for len(c.order) >= c.max {
		delete(c.remotes, c.order[0])
		c.order = c.order[1:]
	}
	r := c.build(templateID)
	c.remotes[templateID] = r
	c.order = append(c.order, templateID)
	return r
}

func (c *remoteCache[T]) forget(templateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.remotes[templateID]; !ok {
		return
	}
	delete(c.remotes, templateID)
	c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == templateID })
}

func (c *remoteCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remotes)
}
