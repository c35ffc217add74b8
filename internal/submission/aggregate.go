// Package submission groups periodic report submissions and derives one
// displayed status per group from its members.
package submission

import (
	"fmt"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

// Aggregator derives a group's displayed status.
type Aggregator func(group model.SubmissionGroup) model.SubmissionStatus

// AggregatorFor returns the aggregator configured by mode. An empty mode
// selects max_priority.
func AggregatorFor(mode string) (Aggregator, error) {
	switch mode {
	case "", config.AggregationMaxPriority:
		return DeriveGroupStatus, nil
	case config.AggregationUnanimous:
		return UnanimousStatus, nil
	}
	return nil, fmt.Errorf("unknown aggregation mode %q", mode)
}

// DeriveGroupStatus returns the group's explicit status when set, otherwise
// the highest-priority member status. Ties keep the first member in order.
// An empty group is DRAFT.
func DeriveGroupStatus(group model.SubmissionGroup) model.SubmissionStatus {
	if group.Status != nil {
		return *group.Status
	}
	best := model.SubmissionDraft
	bestPriority := 0
	for _, m := range group.Members {
		if p := m.Status.Priority(); p > bestPriority {
			best, bestPriority = m.Status, p
		}
	}
	return best
}

// UnanimousStatus returns the group's explicit status when set, otherwise
// the status every member shares. Mixed groups show their lowest-priority
// member status. An empty group is DRAFT.
func UnanimousStatus(group model.SubmissionGroup) model.SubmissionStatus {
	if group.Status != nil {
		return *group.Status
	}
	if len(group.Members) == 0 {
		return model.SubmissionDraft
	}
	lowest := group.Members[0].Status
	for _, m := range group.Members[1:] {
		if m.Status.Priority() < lowest.Priority() {
			lowest = m.Status
		}
	}
	return lowest
}

// GroupRejectionComment returns the first non-empty rejection comment in
// member order.
func GroupRejectionComment(group model.SubmissionGroup) string {
	for _, m := range group.Members {
		if m.RejectionComment != "" {
			return m.RejectionComment
		}
	}
	return ""
}
