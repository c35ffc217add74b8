package model

import "testing"

func TestFieldSpec_Validate(t *testing.T) {
	tests := []struct {
		name     string
		field    FieldSpec
		wantCode string
	}{
		{"valid text", FieldSpec{FieldID: "title", DataType: DataTypeText}, ""},
		{"valid dropdown", FieldSpec{FieldID: "unit", DataType: DataTypeDropdown, DropdownOptions: []string{"kg"}}, ""},
		{"dropdown without options", FieldSpec{FieldID: "unit", DataType: DataTypeDropdown}, "REQUIRED"},
		{"options on text", FieldSpec{FieldID: "t", DataType: DataTypeText, DropdownOptions: []string{"a"}}, "NOT_ALLOWED"},
		{"unknown type", FieldSpec{FieldID: "t", DataType: "BLOB"}, "INVALID_VALUE"},
		{"missing id", FieldSpec{DataType: DataTypeNumber}, "REQUIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.field.Validate()
			if tt.wantCode == "" {
				if len(errs) != 0 {
					t.Fatalf("Validate() = %v, want none", errs)
				}
				return
			}
			if len(errs) == 0 {
				t.Fatalf("Validate() returned no errors, want %s", tt.wantCode)
			}
			if errs[0].Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", errs[0].Code, tt.wantCode)
			}
		})
	}
}

func TestStepSpec_Validate(t *testing.T) {
	if errs := (StepSpec{StepName: "manager", RequiredRoles: []RoleRef{"MANAGER"}}).Validate(); len(errs) != 0 {
		t.Errorf("role-gated step: %v", errs)
	}
	if errs := (StepSpec{StepName: "finance", IsFinanceReview: true}).Validate(); len(errs) != 0 {
		t.Errorf("finance step: %v", errs)
	}
	if errs := (StepSpec{StepName: "open"}).Validate(); len(errs) != 1 {
		t.Errorf("ungated step: got %d errors, want 1", len(errs))
	}
}

func TestOrderedSteps(t *testing.T) {
	steps := []StepSpec{
		{StepName: "c", StepOrder: 3},
		{StepName: "a", StepOrder: 1},
		{StepName: "b", StepOrder: 2},
	}
	got, err := OrderedSteps(steps)
	if err != nil {
		t.Fatalf("OrderedSteps error: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].StepName != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].StepName, want)
		}
	}
	if steps[0].StepName != "c" {
		t.Error("OrderedSteps mutated its input")
	}
}

func TestOrderedSteps_collision(t *testing.T) {
	_, err := OrderedSteps([]StepSpec{{StepName: "a", StepOrder: 1}, {StepName: "b", StepOrder: 1}})
	if !IsCode(err, ErrValidationError) {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestTemplateScope_String(t *testing.T) {
	if got := (TemplateScope{}).String(); got != "*/*" {
		t.Errorf("String() = %q", got)
	}
	if got := (TemplateScope{TeamID: "ops", Category: "GOODS"}).String(); got != "ops/GOODS" {
		t.Errorf("String() = %q", got)
	}
}

func TestFormTemplate_SortedFields(t *testing.T) {
	form := FormTemplate{Fields: []FieldSpec{
		{FieldID: "b", Order: 2},
		{FieldID: "a", Order: 1},
	}}
	got := form.SortedFields()
	if got[0].FieldID != "a" || got[1].FieldID != "b" {
		t.Errorf("SortedFields() = %v", got)
	}
	if _, ok := form.Field("b"); !ok {
		t.Error("Field(b) not found")
	}
}
