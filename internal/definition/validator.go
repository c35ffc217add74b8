package definition

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates seed definitions structurally and referentially.
// References may cross files: a config in one file can name a template key
// declared in another.
type Validator struct {
	requireFinance bool
}

// NewValidator creates a new Validator. requireFinance mirrors the engine
// setting so that seeded workflows can actually drive instances.
func NewValidator(requireFinance bool) *Validator {
	return &Validator{requireFinance: requireFinance}
}

// Validate checks all definitions.
func (v *Validator) Validate(defs []model.SeedDefinition) []VError {
	var errs []VError

	teams := make(map[string]string)
	forms := make(map[string]model.FormTemplateDefinition)
	flows := make(map[string]model.WorkflowTemplateDefinition)
	// Each scope has one active version, so one definition per scope.
	formScopes := make(map[model.TemplateScope]string)
	flowScopes := make(map[model.TemplateScope]string)

	// First pass: structure and key uniqueness.
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		for j, t := range def.Teams {
			tp := fmt.Sprintf("%s.teams[%d]", prefix, j)
			errs = append(errs, v.validateTeam(tp, t)...)
			if t.ID == "" {
				continue
			}
			if prev, dup := teams[t.ID]; dup {
				errs = append(errs, VError{Path: tp + ".id", Code: "DUPLICATE",
					Message: fmt.Sprintf("team %q is already declared at %s", t.ID, prev)})
				continue
			}
			teams[t.ID] = tp
		}
		for j, f := range def.FormTemplates {
			fp := fmt.Sprintf("%s.form_templates[%d]", prefix, j)
			errs = append(errs, v.validateForm(fp, f)...)
			if f.Key == "" {
				continue
			}
			if _, dup := forms[f.Key]; dup {
				errs = append(errs, VError{Path: fp + ".key", Code: "DUPLICATE",
					Message: fmt.Sprintf("form template %q is declared more than once", f.Key)})
				continue
			}
			forms[f.Key] = f
			if prev, dup := formScopes[f.Scope]; dup {
				errs = append(errs, VError{Path: fp, Code: "DUPLICATE",
					Message: fmt.Sprintf("form templates %q and %q share scope %s", prev, f.Key, f.Scope)})
				continue
			}
			formScopes[f.Scope] = f.Key
		}
		for j, w := range def.WorkflowTemplates {
			wp := fmt.Sprintf("%s.workflow_templates[%d]", prefix, j)
			errs = append(errs, v.validateWorkflow(wp, w)...)
			if w.Key == "" {
				continue
			}
			if _, dup := flows[w.Key]; dup {
				errs = append(errs, VError{Path: wp + ".key", Code: "DUPLICATE",
					Message: fmt.Sprintf("workflow template %q is declared more than once", w.Key)})
				continue
			}
			flows[w.Key] = w
			if prev, dup := flowScopes[w.Scope]; dup {
				errs = append(errs, VError{Path: wp, Code: "DUPLICATE",
					Message: fmt.Sprintf("workflow templates %q and %q share scope %s", prev, w.Key, w.Scope)})
				continue
			}
			flowScopes[w.Scope] = w.Key
		}
		for id, roles := range def.Approvers {
			errs = append(errs, v.validateApprover(fmt.Sprintf("%s.approvers[%s]", prefix, id), id, roles)...)
		}
	}

	// Second pass: references.
	pairs := make(map[string]bool)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		for j, f := range def.FormTemplates {
			errs = append(errs, checkScopeTeam(fmt.Sprintf("%s.form_templates[%d]", prefix, j), f.Scope, teams)...)
		}
		for j, w := range def.WorkflowTemplates {
			errs = append(errs, checkScopeTeam(fmt.Sprintf("%s.workflow_templates[%d]", prefix, j), w.Scope, teams)...)
		}
		for j, c := range def.Configs {
			cp := fmt.Sprintf("%s.configs[%d]", prefix, j)
			errs = append(errs, v.validateConfig(cp, c, teams, forms, flows)...)
			pair := c.TeamID + "/" + c.Category
			if pairs[pair] {
				errs = append(errs, VError{Path: cp, Code: "DUPLICATE",
					Message: fmt.Sprintf("config for %s is declared more than once", pair)})
			}
			pairs[pair] = true
		}
	}

	return errs
}

func (v *Validator) validateTeam(prefix string, t model.TeamDefinition) []VError {
	var errs []VError
	if t.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	return errs
}

func (v *Validator) validateForm(prefix string, f model.FormTemplateDefinition) []VError {
	var errs []VError
	if f.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if strings.TrimSpace(f.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}

	seen := make(map[string]bool, len(f.Fields))
	for i, field := range f.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		errs = append(errs, fromFieldErrors(fp, field.Validate())...)
		if field.FieldID != "" && seen[field.FieldID] {
			errs = append(errs, VError{Path: fp + ".field_id", Code: "DUPLICATE",
				Message: fmt.Sprintf("field %q is declared more than once", field.FieldID)})
		}
		seen[field.FieldID] = true

		if field.DefaultValue == "" || !field.DataType.Valid() {
			continue
		}
		val, err := model.ParseValue(field.DataType, field.DefaultValue)
		if err != nil {
			errs = append(errs, VError{Path: fp + ".default_value", Code: "INVALID_VALUE", Message: err.Error()})
			continue
		}
		if fe := val.CheckAgainst(field); fe != nil {
			errs = append(errs, VError{Path: fp + ".default_value", Code: fe.Code, Message: fe.Message})
		}
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowTemplateDefinition) []VError {
	var errs []VError
	if w.Key == "" {
		errs = append(errs, VError{Path: prefix + ".key", Code: "REQUIRED", Message: "key is required"})
	}
	if strings.TrimSpace(w.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	// Seeded steps carry explicit orders so reseeding compares like with like.
	for i, st := range w.Steps {
		if st.StepOrder == 0 {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.steps[%d].step_order", prefix, i),
				Code: "REQUIRED", Message: "step_order is required in seed definitions"})
		}
	}
	tmpl := model.WorkflowTemplate{Name: w.Name, Scope: w.Scope, Steps: w.Steps}
	errs = append(errs, fromFieldErrors(prefix, template.ValidateWorkflowTemplate(tmpl, v.requireFinance))...)
	return errs
}

func (v *Validator) validateApprover(prefix, id string, roles []model.RoleRef) []VError {
	var errs []VError
	if strings.TrimSpace(id) == "" {
		errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "approver id is required"})
	}
	if len(roles) == 0 {
		errs = append(errs, VError{Path: prefix, Code: "REQUIRED", Message: "at least one role is required"})
	}
	if slices.Contains(roles, "") {
		errs = append(errs, VError{Path: prefix, Code: "INVALID_VALUE", Message: "roles must not be empty"})
	}
	return errs
}

func (v *Validator) validateConfig(
	prefix string,
	c model.ConfigDefinition,
	teams map[string]string,
	forms map[string]model.FormTemplateDefinition,
	flows map[string]model.WorkflowTemplateDefinition,
) []VError {
	var errs []VError
	if c.TeamID == "" {
		errs = append(errs, VError{Path: prefix + ".team_id", Code: "REQUIRED", Message: "team_id is required"})
	} else if _, ok := teams[c.TeamID]; !ok {
		errs = append(errs, VError{Path: prefix + ".team_id", Code: "UNKNOWN_REFERENCE",
			Message: fmt.Sprintf("team %q is not declared", c.TeamID)})
	}
	if c.Category == "" {
		errs = append(errs, VError{Path: prefix + ".category", Code: "REQUIRED", Message: "category is required"})
	}

	if c.Form == "" {
		errs = append(errs, VError{Path: prefix + ".form", Code: "REQUIRED", Message: "form is required"})
	} else if f, ok := forms[c.Form]; !ok {
		errs = append(errs, VError{Path: prefix + ".form", Code: "UNKNOWN_REFERENCE",
			Message: fmt.Sprintf("form template %q is not declared", c.Form)})
	} else if !scopeCovers(f.Scope, c) {
		errs = append(errs, VError{Path: prefix + ".form", Code: "SCOPE_MISMATCH",
			Message: fmt.Sprintf("form template %q is scoped to %s", c.Form, f.Scope)})
	}

	if c.Workflow == "" {
		errs = append(errs, VError{Path: prefix + ".workflow", Code: "REQUIRED", Message: "workflow is required"})
	} else if w, ok := flows[c.Workflow]; !ok {
		errs = append(errs, VError{Path: prefix + ".workflow", Code: "UNKNOWN_REFERENCE",
			Message: fmt.Sprintf("workflow template %q is not declared", c.Workflow)})
	} else if !scopeCovers(w.Scope, c) {
		errs = append(errs, VError{Path: prefix + ".workflow", Code: "SCOPE_MISMATCH",
			Message: fmt.Sprintf("workflow template %q is scoped to %s", c.Workflow, w.Scope)})
	}
	return errs
}

// scopeCovers reports whether a template scope can serve a config's pair.
// An empty scope part matches anything.
func scopeCovers(s model.TemplateScope, c model.ConfigDefinition) bool {
	return (s.TeamID == "" || s.TeamID == c.TeamID) && (s.Category == "" || s.Category == c.Category)
}

func checkScopeTeam(prefix string, s model.TemplateScope, teams map[string]string) []VError {
	if s.TeamID == "" {
		return nil
	}
	if _, ok := teams[s.TeamID]; ok {
		return nil
	}
	return []VError{{Path: prefix + ".team_id", Code: "UNKNOWN_REFERENCE",
		Message: fmt.Sprintf("team %q is not declared", s.TeamID)}}
}

func fromFieldErrors(prefix string, fes []model.FieldError) []VError {
	out := make([]VError, 0, len(fes))
	for _, fe := range fes {
		out = append(out, VError{Path: prefix + "." + fe.Field, Code: fe.Code, Message: fe.Message})
	}
	return out
}
