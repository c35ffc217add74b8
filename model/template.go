package model

import (
	"fmt"
	"sort"
	"time"
)

// DataType is the declared type of a form field.
type DataType string

// Field data types.
const (
	DataTypeText     DataType = "TEXT"
	DataTypeNumber   DataType = "NUMBER"
	DataTypeDate     DataType = "DATE"
	DataTypeBoolean  DataType = "BOOLEAN"
	DataTypeDropdown DataType = "DROPDOWN"
)

// Valid reports whether d is one of the known data types.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeText, DataTypeNumber, DataTypeDate, DataTypeBoolean, DataTypeDropdown:
		return true
	}
	return false
}

// TemplateScope identifies the (team, category) pair a template version
// belongs to. Both parts are optional; an empty scope is the global scope.
type TemplateScope struct {
	TeamID   string `json:"team_id,omitempty"   yaml:"team_id"`
	Category string `json:"category,omitempty"  yaml:"category"`
}

// String renders the scope for log and error messages.
func (s TemplateScope) String() string {
	team, cat := s.TeamID, s.Category
	if team == "" {
		team = "*"
	}
	if cat == "" {
		cat = "*"
	}
	return team + "/" + cat
}

// FieldSpec defines one field of a form template.
type FieldSpec struct {
	FieldID         string   `json:"field_id"                   yaml:"field_id"`
	Name            string   `json:"name"                       yaml:"name"`
	Label           string   `json:"label"                      yaml:"label"`
	DataType        DataType `json:"data_type"                  yaml:"data_type"`
	Required        bool     `json:"required"                   yaml:"required"`
	Order           int      `json:"order"                      yaml:"order"`
	DefaultValue    string   `json:"default_value,omitempty"    yaml:"default_value"`
	HelpText        string   `json:"help_text,omitempty"        yaml:"help_text"`
	DropdownOptions []string `json:"dropdown_options,omitempty" yaml:"dropdown_options"`
}

// Validate checks the structural rules of a single field definition.
func (f FieldSpec) Validate() []FieldError {
	var errs []FieldError
	if f.FieldID == "" {
		errs = append(errs, FieldError{Field: "field_id", Code: "REQUIRED", Message: "field_id is required"})
	}
	if !f.DataType.Valid() {
		errs = append(errs, FieldError{
			Field: "data_type", Code: "INVALID_VALUE",
			Message: fmt.Sprintf("unknown data type %q", f.DataType),
		})
	}
	if f.DataType == DataTypeDropdown && len(f.DropdownOptions) == 0 {
		errs = append(errs, FieldError{
			Field: "dropdown_options", Code: "REQUIRED",
			Message: "dropdown fields need at least one option",
		})
	}
	if f.DataType != DataTypeDropdown && len(f.DropdownOptions) > 0 {
		errs = append(errs, FieldError{
			Field: "dropdown_options", Code: "NOT_ALLOWED",
			Message: fmt.Sprintf("dropdown options are only allowed on %s fields", DataTypeDropdown),
		})
	}
	return errs
}

// FormTemplate is one immutable-once-locked version of a form definition.
type FormTemplate struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Scope         TemplateScope `json:"scope"`
	VersionNumber int           `json:"version_number"`
	IsActive      bool          `json:"is_active"`
	Locked        bool          `json:"locked"`
	Fields        []FieldSpec   `json:"fields"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int           `json:"version"`
}

// Field returns the field with the given id.
func (t FormTemplate) Field(fieldID string) (FieldSpec, bool) {
	for _, f := range t.Fields {
		if f.FieldID == fieldID {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// SortedFields returns a copy of the fields in ascending Order.
func (t FormTemplate) SortedFields() []FieldSpec {
	out := make([]FieldSpec, len(t.Fields))
	copy(out, t.Fields)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// StepSpec defines one step of a workflow template.
type StepSpec struct {
	StepName        string    `json:"step_name"         yaml:"step_name"`
	StepOrder       int       `json:"step_order"        yaml:"step_order"`
	IsFinanceReview bool      `json:"is_finance_review" yaml:"is_finance_review"`
	RequiredRoles   []RoleRef `json:"required_roles"    yaml:"required_roles"`
}

// Validate checks that the step carries either a role gate or a finance gate.
func (s StepSpec) Validate() []FieldError {
	var errs []FieldError
	if s.StepOrder < 0 {
		errs = append(errs, FieldError{Field: "step_order", Code: "INVALID_VALUE", Message: "step_order must be positive"})
	}
	if len(s.RequiredRoles) == 0 && !s.IsFinanceReview {
		errs = append(errs, FieldError{
			Field: "required_roles", Code: "REQUIRED",
			Message: "a step needs required roles or must be a finance review",
		})
	}
	return errs
}

// WorkflowTemplate is one immutable-once-locked version of an approval chain.
type WorkflowTemplate struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Scope         TemplateScope `json:"scope"`
	VersionNumber int           `json:"version_number"`
	IsActive      bool          `json:"is_active"`
	Locked        bool          `json:"locked"`
	Steps         []StepSpec    `json:"steps"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int           `json:"version"`
}

// OrderedSteps returns the steps sorted by ascending StepOrder. It fails with
// a VALIDATION_ERROR when two steps share a StepOrder.
func OrderedSteps(steps []StepSpec) ([]StepSpec, error) {
	out := make([]StepSpec, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	for i := 1; i < len(out); i++ {
		if out[i].StepOrder == out[i-1].StepOrder {
			return nil, NewFieldValidationError("steps", "DUPLICATE",
				fmt.Sprintf("steps %q and %q share step_order %d", out[i-1].StepName, out[i].StepName, out[i].StepOrder))
		}
	}
	return out, nil
}

// HasFinanceReview reports whether any step is a finance gate.
func HasFinanceReview(steps []StepSpec) bool {
	for _, s := range steps {
		if s.IsFinanceReview {
			return true
		}
	}
	return false
}
