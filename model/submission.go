package model

import "time"

// SubmissionStatus is the review state of a report submission.
type SubmissionStatus string

// Submission statuses.
const (
	SubmissionDraft       SubmissionStatus = "DRAFT"
	SubmissionUnderReview SubmissionStatus = "UNDER_REVIEW"
	SubmissionApproved    SubmissionStatus = "APPROVED"
	SubmissionRejected    SubmissionStatus = "REJECTED"
)

// Valid reports whether s is a known submission status.
func (s SubmissionStatus) Valid() bool {
	return s.Priority() > 0
}

// Priority ranks statuses for group aggregation; higher wins.
func (s SubmissionStatus) Priority() int {
	switch s {
	case SubmissionApproved:
		return 4
	case SubmissionUnderReview:
		return 3
	case SubmissionRejected:
		return 2
	case SubmissionDraft:
		return 1
	}
	return 0
}

// Submission is one report filed against a form template version.
type Submission struct {
	ID               string                `json:"id"`
	FormTemplateID   string                `json:"form_template_id"`
	Values           map[string]FieldValue `json:"values"`
	Status           SubmissionStatus      `json:"status"`
	RejectionComment string                `json:"rejection_comment,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// SubmissionGroup is a set of related submissions reviewed as one unit.
// Status, when non-nil, is an explicit admin decision and overrides the
// status derived from members. Members keep their insertion order.
type SubmissionGroup struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Members     []Submission      `json:"members"`
	Status      *SubmissionStatus `json:"status,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int               `json:"version"`
}

// Clone returns a deep copy of the group.
func (g SubmissionGroup) Clone() SubmissionGroup {
	out := g
	if g.Status != nil {
		s := *g.Status
		out.Status = &s
	}
	out.Members = make([]Submission, len(g.Members))
	for i, m := range g.Members {
		vals := make(map[string]FieldValue, len(m.Values))
		for k, v := range m.Values {
			vals[k] = v
		}
		m.Values = vals
		out.Members[i] = m
	}
	return out
}

// GroupView is a group together with its derived display status and comment.
type GroupView struct {
	Group            SubmissionGroup  `json:"group"`
	DerivedStatus    SubmissionStatus `json:"derived_status"`
	RejectionComment string           `json:"rejection_comment,omitempty"`
}
