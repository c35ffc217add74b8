package model

import "time"

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

// Workflow instance statuses.
const (
	StatusDraft           WorkflowStatus = "DRAFT"
	StatusPendingApproval WorkflowStatus = "PENDING_APPROVAL"
	StatusInReview        WorkflowStatus = "IN_REVIEW"
	StatusRejected        WorkflowStatus = "REJECTED"
	StatusResubmitted     WorkflowStatus = "RESUBMITTED"
	StatusFinanceReview   WorkflowStatus = "FINANCE_REVIEW"
	StatusCompleted       WorkflowStatus = "COMPLETED"
)

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusInReview, StatusRejected,
		StatusResubmitted, StatusFinanceReview, StatusCompleted:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == StatusCompleted
}

// AcceptsApprovals reports whether approvals may be recorded in this status.
func (s WorkflowStatus) AcceptsApprovals() bool {
	return s == StatusPendingApproval || s == StatusInReview || s == StatusFinanceReview
}

// Decision is an approver's verdict on a step.
type Decision string

// Approval decisions.
const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// StepApproval is one recorded decision on a step. Approvals from an earlier
// round are kept for audit and marked Superseded on resubmission.
type StepApproval struct {
	ApproverID string    `json:"approver_id"`
	Role       RoleRef   `json:"role"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Superseded bool      `json:"superseded,omitempty"`
}

// WorkflowInstance is one purchase request's progression through the
// workflow template version it was created from. Steps holds a pinned copy of
// that version's steps.
type WorkflowInstance struct {
	ID                 string                 `json:"id"`
	TeamID             string                 `json:"team_id"`
	Category           string                 `json:"category"`
	FormTemplateID     string                 `json:"form_template_id"`
	WorkflowTemplateID string                 `json:"workflow_template_id"`
	WorkflowVersion    int                    `json:"workflow_version"`
	Steps              []StepSpec             `json:"steps"`
	CurrentStepOrder   int                    `json:"current_step_order"`
	Status             WorkflowStatus         `json:"status"`
	StepApprovals      map[int][]StepApproval `json:"step_approvals"`
	RejectionComment   string                 `json:"rejection_comment,omitempty"`
	SubmittedBy        string                 `json:"submitted_by"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
	Version            int                    `json:"version"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// stored instance.
func (w WorkflowInstance) Clone() WorkflowInstance {
	out := w
	out.Steps = make([]StepSpec, len(w.Steps))
	for i, s := range w.Steps {
		s.RequiredRoles = append([]RoleRef(nil), s.RequiredRoles...)
		out.Steps[i] = s
	}
	out.StepApprovals = make(map[int][]StepApproval, len(w.StepApprovals))
	for k, v := range w.StepApprovals {
		out.StepApprovals[k] = append([]StepApproval(nil), v...)
	}
	return out
}

// ActiveApprovals returns the non-superseded approvals recorded on a step.
func (w WorkflowInstance) ActiveApprovals(stepOrder int) []StepApproval {
	var out []StepApproval
	for _, a := range w.StepApprovals[stepOrder] {
		if !a.Superseded {
			out = append(out, a)
		}
	}
	return out
}

// Workflow event names recorded in the audit trail.
const (
	EventCreated      = "created"
	EventSubmitted    = "submitted"
	EventApproved     = "approved"
	EventRejected     = "rejected"
	EventStepAdvanced = "step_advanced"
	EventResubmitted  = "resubmitted"
	EventCompleted    = "completed"
)

// WorkflowEvent records an event in a workflow's audit trail.
type WorkflowEvent struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StepOrder          int            `json:"step_order"`
	Event              string         `json:"event"`
	ActorID            string         `json:"actor_id"`
	FromStatus         WorkflowStatus `json:"from_status,omitempty"`
	ToStatus           WorkflowStatus `json:"to_status,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	Comment            string         `json:"comment,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// WorkflowSummary is a lightweight representation of a workflow instance
// used in list views.
type WorkflowSummary struct {
	ID               string         `json:"id"`
	TeamID           string         `json:"team_id"`
	Category         string         `json:"category"`
	CurrentStepOrder int            `json:"current_step_order"`
	CurrentStepName  string         `json:"current_step_name"`
	Status           WorkflowStatus `json:"status"`
	SubmittedBy      string         `json:"submitted_by"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
