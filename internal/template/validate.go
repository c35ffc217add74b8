package template

import (
	"fmt"

	"github.com/pitabwire/approvals/model"
)

// ValidateWorkflowTemplate reports structural problems that prevent a
// workflow version from driving instances: invalid steps, an empty chain,
// colliding step orders and, when requireFinance is set, a missing finance
// gate.
func ValidateWorkflowTemplate(t model.WorkflowTemplate, requireFinance bool) []model.FieldError {
	var errs []model.FieldError
	if len(t.Steps) == 0 {
		errs = append(errs, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "workflow needs at least one step"})
	}
	for _, st := range t.Steps {
		errs = append(errs, prefixErrors(st.Validate(), "steps["+st.StepName+"]")...)
	}
	seen := make(map[int]string, len(t.Steps))
	for _, st := range t.Steps {
		if prev, dup := seen[st.StepOrder]; dup {
			errs = append(errs, model.FieldError{
				Field: "steps", Code: "DUPLICATE",
				Message: fmt.Sprintf("steps %q and %q share step_order %d", prev, st.StepName, st.StepOrder),
			})
			continue
		}
		seen[st.StepOrder] = st.StepName
	}
	if requireFinance && len(t.Steps) > 0 && !model.HasFinanceReview(t.Steps) {
		errs = append(errs, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "workflow needs a finance review step"})
	}
	return errs
}

// validateFieldSet validates every field and rejects duplicate IDs.
func validateFieldSet(fields []model.FieldSpec) []model.FieldError {
	var errs []model.FieldError
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		errs = append(errs, prefixErrors(f.Validate(), fmt.Sprintf("fields[%d]", i))...)
		if f.FieldID == "" {
			continue
		}
		if seen[f.FieldID] {
			errs = append(errs, model.FieldError{
				Field: fmt.Sprintf("fields[%d].field_id", i), Code: "DUPLICATE",
				Message: fmt.Sprintf("field %q is declared more than once", f.FieldID),
			})
		}
		seen[f.FieldID] = true
	}
	return errs
}

// checkPermutation verifies that ids names every key of index exactly once.
// Unknown ids are NOT_FOUND; repeated or missing ids are a VALIDATION_ERROR.
func checkPermutation[K comparable](ids []K, index map[K]int, field string) error {
	for _, id := range ids {
		if _, ok := index[id]; !ok {
			return model.NewNotFoundError(fmt.Sprintf("%v is not part of the template", id))
		}
	}
	seen := make(map[K]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return model.NewFieldValidationError(field, "DUPLICATE", fmt.Sprintf("%v appears more than once", id))
		}
		seen[id] = true
	}
	if len(ids) != len(index) {
		return model.NewFieldValidationError(field, "INCOMPLETE",
			fmt.Sprintf("expected %d entries, got %d", len(index), len(ids)))
	}
	return nil
}

// assignStepOrders numbers zero-order steps after the highest explicit order.
func assignStepOrders(steps []model.StepSpec) {
	next := maxStepOrder(steps)
	for i := range steps {
		if steps[i].StepOrder == 0 {
			next++
			steps[i].StepOrder = next
		}
	}
}

func maxStepOrder(steps []model.StepSpec) int {
	m := 0
	for _, st := range steps {
		m = max(m, st.StepOrder)
	}
	return m
}

func prefixErrors(errs []model.FieldError, prefix string) []model.FieldError {
	for i := range errs {
		errs[i].Field = prefix + "." + errs[i].Field
	}
	return errs
}
