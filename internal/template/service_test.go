package template

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// --- Test helpers ---

func newTestService(t *testing.T) (*Service, *lock.MemoryLocker) {
	t.Helper()
	locker := lock.NewMemoryLocker()
	return NewService(NewMemoryStore(), locker, nil, nil), locker
}

func textField(id string) model.FieldSpec {
	return model.FieldSpec{FieldID: id, Name: id, Label: id, DataType: model.DataTypeText}
}

func roleStep(name string, order int, roles ...model.RoleRef) model.StepSpec {
	return model.StepSpec{StepName: name, StepOrder: order, RequiredRoles: roles}
}

func financeStep(name string, order int) model.StepSpec {
	return model.StepSpec{StepName: name, StepOrder: order, IsFinanceReview: true}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if !model.IsCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}

func fieldIDs(tpl model.FormTemplate) []string {
	var ids []string
	for _, f := range tpl.SortedFields() {
		ids = append(ids, f.FieldID)
	}
	return ids
}

// --- Form templates ---

func TestCreateFormTemplate_AssignsVersionsPerScope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := FormTemplateInput{Name: "Purchase", TeamID: "ops", Category: "hardware"}
	v1, err := svc.CreateFormTemplate(ctx, in)
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	v2, err := svc.CreateFormTemplate(ctx, in)
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	other, err := svc.CreateFormTemplate(ctx, FormTemplateInput{Name: "Travel", TeamID: "ops", Category: "travel"})
	if err != nil {
		t.Fatalf("create other scope: %v", err)
	}

	if v1.VersionNumber != 1 || v2.VersionNumber != 2 {
		t.Errorf("version numbers = %d, %d; want 1, 2", v1.VersionNumber, v2.VersionNumber)
	}
	if other.VersionNumber != 1 {
		t.Errorf("other scope version = %d, want 1", other.VersionNumber)
	}

	versions, err := svc.ListFormVersions(ctx, model.TemplateScope{TeamID: "ops", Category: "hardware"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}
	if versions[0].IsActive || !versions[1].IsActive {
		t.Errorf("active flags = %v, %v; want only the newest active", versions[0].IsActive, versions[1].IsActive)
	}
}

func TestCreateFormTemplate_AllowsEmptyFields(t *testing.T) {
	svc, _ := newTestService(t)
	tpl, err := svc.CreateFormTemplate(context.Background(), FormTemplateInput{Name: "Empty"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tpl.Fields) != 0 {
		t.Errorf("len(Fields) = %d, want 0", len(tpl.Fields))
	}
}

func TestCreateFormTemplate_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   FormTemplateInput
	}{
		{"missing name", FormTemplateInput{}},
		{"duplicate field", FormTemplateInput{Name: "x", Fields: []model.FieldSpec{textField("a"), textField("a")}}},
		{"dropdown without options", FormTemplateInput{Name: "x", Fields: []model.FieldSpec{
			{FieldID: "d", DataType: model.DataTypeDropdown},
		}}},
		{"unknown type", FormTemplateInput{Name: "x", Fields: []model.FieldSpec{{FieldID: "d", DataType: "MONEY"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			_, err := svc.CreateFormTemplate(context.Background(), tt.in)
			assertCode(t, err, model.ErrValidationError)
		})
	}
}

func TestCreateFormTemplate_OrdersFieldsByPosition(t *testing.T) {
	svc, _ := newTestService(t)
	a, b := textField("a"), textField("b")
	a.Order, b.Order = 9, 3
	tpl, err := svc.CreateFormTemplate(context.Background(), FormTemplateInput{Name: "x", Fields: []model.FieldSpec{a, b}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tpl.Fields[0].Order != 1 || tpl.Fields[1].Order != 2 {
		t.Errorf("orders = %d, %d; want 1, 2", tpl.Fields[0].Order, tpl.Fields[1].Order)
	}
}

func TestAddField(t *testing.T) {
	dropdown := model.FieldSpec{FieldID: "size", DataType: model.DataTypeDropdown, DropdownOptions: []string{"S", "M"}}
	tests := []struct {
		name     string
		field    model.FieldSpec
		wantCode string
	}{
		{"text field", textField("b"), ""},
		{"dropdown with options", dropdown, ""},
		{"dropdown without options", model.FieldSpec{FieldID: "d", DataType: model.DataTypeDropdown}, model.ErrValidationError},
		{"options on text", model.FieldSpec{FieldID: "d", DataType: model.DataTypeText, DropdownOptions: []string{"x"}}, model.ErrValidationError},
		{"unknown data type", model.FieldSpec{FieldID: "d", DataType: "MONEY"}, model.ErrValidationError},
		{"empty field id", model.FieldSpec{DataType: model.DataTypeText}, model.ErrValidationError},
		{"colliding field id", textField("a"), model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			ctx := context.Background()
			tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{Name: "x", Fields: []model.FieldSpec{textField("a")}})
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := svc.AddField(ctx, tpl.ID, tt.field)
			if tt.wantCode != "" {
				assertCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("AddField: %v", err)
			}
			f, ok := got.Field(tt.field.FieldID)
			if !ok {
				t.Fatal("added field not found")
			}
			if f.Order != 2 {
				t.Errorf("Order = %d, want 2", f.Order)
			}
			if got.Version != tpl.Version+1 {
				t.Errorf("Version = %d, want %d", got.Version, tpl.Version+1)
			}
		})
	}
}

func TestAddField_UnknownTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AddField(context.Background(), "missing", textField("a"))
	assertCode(t, err, model.ErrNotFound)
}

func TestReorderFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{
		Name:   "x",
		Fields: []model.FieldSpec{textField("a"), textField("b"), textField("c")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.ReorderFields(ctx, tpl.ID, []string{"c", "a", "b"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	got, err := svc.GetFormTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []string{"c", "a", "b"}
	ids := fieldIDs(got)
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	for i, f := range got.SortedFields() {
		if f.Order != i+1 {
			t.Errorf("field %s Order = %d, want %d", f.FieldID, f.Order, i+1)
		}
	}
}

func TestReorderFields_Errors(t *testing.T) {
	tests := []struct {
		name     string
		ids      []string
		wantCode string
	}{
		{"unknown id", []string{"a", "b", "z"}, model.ErrNotFound},
		{"duplicate id", []string{"a", "a", "b"}, model.ErrValidationError},
		{"missing id", []string{"a", "b"}, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			ctx := context.Background()
			tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{
				Name:   "x",
				Fields: []model.FieldSpec{textField("a"), textField("b"), textField("c")},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			_, err = svc.ReorderFields(ctx, tpl.ID, tt.ids)
			assertCode(t, err, tt.wantCode)
		})
	}
}

func TestLockFormTemplate_BlocksEdits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{Name: "x", Fields: []model.FieldSpec{textField("a")}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	locked, err := svc.LockFormTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	again, err := svc.LockFormTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if again.Version != locked.Version {
		t.Errorf("relocking bumped version %d -> %d", locked.Version, again.Version)
	}

	_, err = svc.AddField(ctx, tpl.ID, textField("b"))
	assertCode(t, err, model.ErrInvalidState)
	_, err = svc.ReorderFields(ctx, tpl.ID, []string{"a"})
	assertCode(t, err, model.ErrInvalidState)

	if _, err := svc.DeactivateFormTemplate(ctx, tpl.ID); err != nil {
		t.Errorf("deactivating a locked template: %v", err)
	}
}

func TestNewFormVersion_LeavesSourceContentIntact(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	src, err := svc.CreateFormTemplate(ctx, FormTemplateInput{
		Name: "x", TeamID: "ops", Category: "hw", Fields: []model.FieldSpec{textField("a")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.LockFormTemplate(ctx, src.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	next, err := svc.NewFormVersion(ctx, src.ID)
	if err != nil {
		t.Fatalf("new version: %v", err)
	}
	if next.VersionNumber != 2 || next.Locked || !next.IsActive {
		t.Errorf("next = v%d locked=%v active=%v; want v2 unlocked active", next.VersionNumber, next.Locked, next.IsActive)
	}
	if _, err := svc.AddField(ctx, next.ID, textField("b")); err != nil {
		t.Fatalf("edit new version: %v", err)
	}

	reloaded, err := svc.GetFormTemplate(ctx, src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if len(reloaded.Fields) != 1 || !reloaded.Locked {
		t.Errorf("source changed: fields=%d locked=%v", len(reloaded.Fields), reloaded.Locked)
	}
	if reloaded.IsActive {
		t.Error("source should no longer be the active version")
	}
}

func TestMutation_ConflictsWhileLocked(t *testing.T) {
	svc, locker := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{Name: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	unlock, err := locker.TryLock(ctx, lock.Key(KindForm, tpl.ID))
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	_, err = svc.AddField(ctx, tpl.ID, textField("a"))
	assertCode(t, err, model.ErrConflict)
	unlock()

	if _, err := svc.AddField(ctx, tpl.ID, textField("a")); err != nil {
		t.Fatalf("after unlock: %v", err)
	}
}

func TestAddField_ConcurrentWritersNeverLoseUpdates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{Name: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AddField(ctx, tpl.ID, textField(string(rune('a'+i))))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !model.IsCode(err, model.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := svc.GetFormTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Fields) != succeeded {
		t.Errorf("fields = %d, successful writers = %d", len(got.Fields), succeeded)
	}
	for i, f := range got.SortedFields() {
		if f.Order != i+1 {
			t.Errorf("field %s Order = %d, want %d", f.FieldID, f.Order, i+1)
		}
	}
}

// --- Workflow templates ---

func TestCreateWorkflowTemplate_AssignsZeroOrders(t *testing.T) {
	svc, _ := newTestService(t)
	tpl, err := svc.CreateWorkflowTemplate(context.Background(), WorkflowTemplateInput{
		Name: "Purchase",
		Steps: []model.StepSpec{
			roleStep("manager", 0, "MANAGER"),
			financeStep("finance", 0),
			roleStep("director", 5, "DIRECTOR"),
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := map[string]int{"director": 5, "manager": 6, "finance": 7}
	for _, st := range tpl.Steps {
		if st.StepOrder != want[st.StepName] {
			t.Errorf("%s StepOrder = %d, want %d", st.StepName, st.StepOrder, want[st.StepName])
		}
	}
	if tpl.Steps[0].StepName != "director" {
		t.Errorf("steps not sorted: first = %s", tpl.Steps[0].StepName)
	}
}

func TestCreateWorkflowTemplate_RejectsCollisions(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateWorkflowTemplate(context.Background(), WorkflowTemplateInput{
		Name:  "x",
		Steps: []model.StepSpec{roleStep("a", 1, "MANAGER"), roleStep("b", 1, "DIRECTOR")},
	})
	assertCode(t, err, model.ErrValidationError)
}

func TestAddStep(t *testing.T) {
	tests := []struct {
		name      string
		step      model.StepSpec
		wantCode  string
		wantOrder int
	}{
		{"role step", roleStep("director", 2, "DIRECTOR"), "", 2},
		{"finance step", financeStep("finance", 3), "", 3},
		{"zero order appended", roleStep("director", 0, "DIRECTOR"), "", 2},
		{"no roles and not finance", model.StepSpec{StepName: "x", StepOrder: 2}, model.ErrValidationError, 0},
		{"colliding order", roleStep("dup", 1, "DIRECTOR"), model.ErrValidationError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			ctx := context.Background()
			tpl, err := svc.CreateWorkflowTemplate(ctx, WorkflowTemplateInput{
				Name: "x", Steps: []model.StepSpec{roleStep("manager", 1, "MANAGER")},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := svc.AddStep(ctx, tpl.ID, tt.step)
			if tt.wantCode != "" {
				assertCode(t, err, tt.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("AddStep: %v", err)
			}
			last := got.Steps[len(got.Steps)-1]
			if last.StepName != tt.step.StepName || last.StepOrder != tt.wantOrder {
				t.Errorf("last step = %s/%d, want %s/%d", last.StepName, last.StepOrder, tt.step.StepName, tt.wantOrder)
			}
		})
	}
}

func TestReorderSteps(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateWorkflowTemplate(ctx, WorkflowTemplateInput{
		Name: "x",
		Steps: []model.StepSpec{
			roleStep("manager", 10, "MANAGER"),
			roleStep("director", 20, "DIRECTOR"),
			financeStep("finance", 30),
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.ReorderSteps(ctx, tpl.ID, []int{30, 10}); !model.IsCode(err, model.ErrValidationError) {
		t.Fatalf("missing order: err = %v, want VALIDATION_ERROR", err)
	}
	if _, err := svc.ReorderSteps(ctx, tpl.ID, []int{30, 10, 99}); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("unknown order: err = %v, want NOT_FOUND", err)
	}

	got, err := svc.ReorderSteps(ctx, tpl.ID, []int{30, 10, 20})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	ordered, err := model.OrderedSteps(got.Steps)
	if err != nil {
		t.Fatalf("ordered: %v", err)
	}
	wantNames := []string{"finance", "manager", "director"}
	for i, st := range ordered {
		if st.StepOrder != i+1 || st.StepName != wantNames[i] {
			t.Errorf("step %d = %s/%d, want %s/%d", i, st.StepName, st.StepOrder, wantNames[i], i+1)
		}
	}
}

func TestLockWorkflowTemplate_BlocksEdits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateWorkflowTemplate(ctx, WorkflowTemplateInput{
		Name: "x", Steps: []model.StepSpec{roleStep("manager", 1, "MANAGER")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.LockWorkflowTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err = svc.AddStep(ctx, tpl.ID, financeStep("finance", 2))
	assertCode(t, err, model.ErrInvalidState)

	next, err := svc.NewWorkflowVersion(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("new version: %v", err)
	}
	if _, err := svc.AddStep(ctx, next.ID, financeStep("finance", 2)); err != nil {
		t.Fatalf("edit new version: %v", err)
	}
}

func TestDeactivateWorkflowTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl, err := svc.CreateWorkflowTemplate(ctx, WorkflowTemplateInput{Name: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := svc.DeactivateWorkflowTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got.IsActive {
		t.Error("template still active")
	}
	versions, err := svc.ListWorkflowVersions(ctx, model.TemplateScope{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("templates are never deleted: got %d versions", len(versions))
	}
}

func TestValidateWorkflowTemplate(t *testing.T) {
	tests := []struct {
		name           string
		steps          []model.StepSpec
		requireFinance bool
		wantErrs       int
	}{
		{"valid", []model.StepSpec{roleStep("m", 1, "MANAGER"), financeStep("f", 2)}, true, 0},
		{"empty", nil, false, 1},
		{"collision", []model.StepSpec{roleStep("a", 1, "MANAGER"), roleStep("b", 1, "MANAGER")}, false, 1},
		{"missing finance gate", []model.StepSpec{roleStep("m", 1, "MANAGER")}, true, 1},
		{"finance gate optional", []model.StepSpec{roleStep("m", 1, "MANAGER")}, false, 0},
		{"step without gate", []model.StepSpec{{StepName: "x", StepOrder: 1}}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateWorkflowTemplate(model.WorkflowTemplate{Steps: tt.steps}, tt.requireFinance)
			if len(errs) != tt.wantErrs {
				t.Errorf("errors = %v, want %d", errs, tt.wantErrs)
			}
		})
	}
}

func TestService_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	svc := NewService(NewMemoryStore(), lock.NewMemoryLocker(), nil, metrics)
	ctx := context.Background()

	tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{Name: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AddField(ctx, tpl.ID, textField("a")); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, _ = svc.AddField(ctx, tpl.ID, textField("a"))

	if got := testutil.ToFloat64(metrics.TemplateVersionsTotal.WithLabelValues(KindForm)); got != 1 {
		t.Errorf("template versions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TemplateMutations.WithLabelValues(KindForm, "add_field", "ok")); got != 1 {
		t.Errorf("ok mutations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.TemplateMutations.WithLabelValues(KindForm, "add_field", "validation_error")); got != 1 {
		t.Errorf("failed mutations = %v, want 1", got)
	}
}

func TestUpdateAndRemoveField(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateFormTemplate(ctx, FormTemplateInput{
		Name:   "Purchase",
		Fields: []model.FieldSpec{textField("a"), textField("b"), textField("c")},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	changed := textField("b")
	changed.Label = "Vendor"
	changed.Required = true
	changed.Order = 99
	tpl, err = svc.UpdateField(ctx, tpl.ID, changed)
	if err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	f, _ := tpl.Field("b")
	if f.Label != "Vendor" || !f.Required || f.Order != 2 {
		t.Errorf("updated field = %+v, want label Vendor, required, order 2", f)
	}

	_, err = svc.UpdateField(ctx, tpl.ID, textField("zzz"))
	assertCode(t, err, model.ErrNotFound)

	bad := textField("b")
	bad.DataType = model.DataTypeDropdown
	_, err = svc.UpdateField(ctx, tpl.ID, bad)
	assertCode(t, err, model.ErrValidationError)

	tpl, err = svc.RemoveField(ctx, tpl.ID, "a")
	if err != nil {
		t.Fatalf("RemoveField: %v", err)
	}
	if got := fieldIDs(tpl); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("fields = %v, want [b c]", got)
	}
	for i, f := range tpl.SortedFields() {
		if f.Order != i+1 {
			t.Errorf("field %s order = %d, want %d", f.FieldID, f.Order, i+1)
		}
	}

	_, err = svc.RemoveField(ctx, tpl.ID, "a")
	assertCode(t, err, model.ErrNotFound)

	if _, err := svc.LockFormTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err = svc.RemoveField(ctx, tpl.ID, "b")
	assertCode(t, err, model.ErrInvalidState)
}

func TestUpdateAndRemoveStep(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tpl, err := svc.CreateWorkflowTemplate(ctx, WorkflowTemplateInput{
		Name:  "Chain",
		Steps: []model.StepSpec{roleStep("manager", 1, "MANAGER"), roleStep("director", 2, "DIRECTOR"), financeStep("finance", 3)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tpl, err = svc.UpdateStep(ctx, tpl.ID, roleStep("leadership", 2, "DIRECTOR", "VP"))
	if err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}
	if tpl.Steps[1].StepName != "leadership" || len(tpl.Steps[1].RequiredRoles) != 2 {
		t.Errorf("updated step = %+v", tpl.Steps[1])
	}

	_, err = svc.UpdateStep(ctx, tpl.ID, roleStep("ghost", 7, "MANAGER"))
	assertCode(t, err, model.ErrNotFound)

	_, err = svc.UpdateStep(ctx, tpl.ID, model.StepSpec{StepName: "empty", StepOrder: 1})
	assertCode(t, err, model.ErrValidationError)

	tpl, err = svc.RemoveStep(ctx, tpl.ID, 2)
	if err != nil {
		t.Fatalf("RemoveStep: %v", err)
	}
	if len(tpl.Steps) != 2 || tpl.Steps[0].StepOrder != 1 || tpl.Steps[1].StepOrder != 3 {
		t.Errorf("steps = %+v, want orders [1 3]", tpl.Steps)
	}

	_, err = svc.RemoveStep(ctx, tpl.ID, 2)
	assertCode(t, err, model.ErrNotFound)
}
