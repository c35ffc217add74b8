package workflow

import (
	"fmt"

	"github.com/pitabwire/approvals/model"
)

// transitions is the closed set of legal status changes. Any pair not
// listed here is rejected with INVALID_STATE.
var transitions = map[model.WorkflowStatus][]model.WorkflowStatus{
	model.StatusDraft:       {model.StatusPendingApproval},
	model.StatusResubmitted: {model.StatusPendingApproval},
	model.StatusPendingApproval: {
		model.StatusInReview, model.StatusFinanceReview, model.StatusCompleted, model.StatusRejected,
	},
	model.StatusInReview: {
		model.StatusInReview, model.StatusFinanceReview, model.StatusCompleted, model.StatusRejected,
	},
	model.StatusFinanceReview: {
		model.StatusInReview, model.StatusFinanceReview, model.StatusCompleted, model.StatusRejected,
	},
	model.StatusRejected: {model.StatusResubmitted},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to model.WorkflowStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(inst model.WorkflowInstance, to model.WorkflowStatus) error {
	if !CanTransition(inst.Status, to) {
		return model.NewInvalidStateError(
			fmt.Sprintf("workflow instance %q cannot move from %s to %s", inst.ID, inst.Status, to),
		)
	}
	return nil
}

// statusForStep is the review status an instance takes when it enters step.
func statusForStep(step model.StepSpec) model.WorkflowStatus {
	if step.IsFinanceReview {
		return model.StatusFinanceReview
	}
	return model.StatusInReview
}

// stepByOrder returns the pinned step with the given order.
func stepByOrder(steps []model.StepSpec, order int) (model.StepSpec, bool) {
	for _, s := range steps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return model.StepSpec{}, false
}

// nextStep returns the step with the smallest order greater than after.
func nextStep(steps []model.StepSpec, after int) (model.StepSpec, bool) {
	var next model.StepSpec
	found := false
	for _, s := range steps {
		if s.StepOrder > after && (!found || s.StepOrder < next.StepOrder) {
			next, found = s, true
		}
	}
	return next, found
}

// firstStep returns the step with the lowest order.
func firstStep(steps []model.StepSpec) (model.StepSpec, bool) {
	var first model.StepSpec
	found := false
	for _, s := range steps {
		if !found || s.StepOrder < first.StepOrder {
			first, found = s, true
		}
	}
	return first, found
}
