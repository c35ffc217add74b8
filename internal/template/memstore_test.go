package template

import (
	"context"
	"testing"

	"github.com/pitabwire/approvals/internal/postgres/pgtest"
	"github.com/pitabwire/approvals/model"
)

// storeContract exercises behaviour every Store implementation must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	scope := model.TemplateScope{TeamID: "ops", Category: "hardware"}

	v1, err := store.InsertFormVersion(ctx, model.FormTemplate{
		ID: "form-1", Name: "Purchase", Scope: scope, Fields: []model.FieldSpec{textField("a")},
	})
	if err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if v1.VersionNumber != 1 || !v1.IsActive || v1.Version != 1 {
		t.Fatalf("v1 = %+v", v1)
	}

	v2, err := store.InsertFormVersion(ctx, model.FormTemplate{ID: "form-2", Name: "Purchase", Scope: scope})
	if err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	if v2.VersionNumber != 2 {
		t.Errorf("v2.VersionNumber = %d, want 2", v2.VersionNumber)
	}

	old, err := store.GetForm(ctx, "form-1")
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if old.IsActive {
		t.Error("v1 should be deactivated by v2")
	}

	// A write based on the pre-deactivation snapshot loses.
	if err := store.UpdateForm(ctx, v1); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale update: err = %v, want CONFLICT", err)
	}
	old.Name = "Renamed"
	if err := store.UpdateForm(ctx, old); err != nil {
		t.Fatalf("update: %v", err)
	}
	renamed, err := store.GetForm(ctx, "form-1")
	if err != nil {
		t.Fatalf("get renamed: %v", err)
	}
	if renamed.Name != "Renamed" || renamed.Version != old.Version+1 {
		t.Errorf("renamed = %q v%d", renamed.Name, renamed.Version)
	}

	if _, err := store.GetForm(ctx, "nope"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("missing form: err = %v, want NOT_FOUND", err)
	}
	if err := store.UpdateForm(ctx, model.FormTemplate{ID: "nope", Version: 1}); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("update missing form: err = %v, want NOT_FOUND", err)
	}

	forms, err := store.ListForms(ctx, scope)
	if err != nil {
		t.Fatalf("list forms: %v", err)
	}
	if len(forms) != 2 || forms[0].ID != "form-1" || forms[1].ID != "form-2" {
		t.Errorf("list order wrong: %+v", forms)
	}

	wf, err := store.InsertWorkflowVersion(ctx, model.WorkflowTemplate{
		ID: "wf-1", Name: "Chain", Scope: scope,
		Steps: []model.StepSpec{roleStep("manager", 1, "MANAGER"), financeStep("finance", 2)},
	})
	if err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	wf.Locked = true
	if err := store.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatalf("update workflow: %v", err)
	}
	got, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if !got.Locked || len(got.Steps) != 2 || got.Steps[1].IsFinanceReview != true {
		t.Errorf("workflow round trip = %+v", got)
	}
	wfs, err := store.ListWorkflows(ctx, scope)
	if err != nil || len(wfs) != 1 {
		t.Errorf("list workflows = %d, %v", len(wfs), err)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestPgStore_Contract(t *testing.T) {
	storeContract(t, NewPgStore(pgtest.Open(t)))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	dd := model.FieldSpec{FieldID: "d", DataType: model.DataTypeDropdown, DropdownOptions: []string{"a"}}
	if _, err := store.InsertFormVersion(ctx, model.FormTemplate{ID: "f", Fields: []model.FieldSpec{dd}}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, _ := store.GetForm(ctx, "f")
	got.Fields[0].DropdownOptions[0] = "mutated"
	got.Fields[0].Label = "mutated"

	again, _ := store.GetForm(ctx, "f")
	if again.Fields[0].DropdownOptions[0] != "a" || again.Fields[0].Label != "" {
		t.Errorf("stored template was mutated through a returned copy: %+v", again.Fields[0])
	}
}
