package submission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/model"
)

func groupOf(statuses ...model.SubmissionStatus) model.SubmissionGroup {
	g := model.SubmissionGroup{ID: "g-1"}
	for i, st := range statuses {
		g.Members = append(g.Members, model.Submission{ID: string(rune('a' + i)), Status: st})
	}
	return g
}

func explicit(st model.SubmissionStatus) *model.SubmissionStatus { return &st }

func TestDeriveGroupStatus(t *testing.T) {
	tests := []struct {
		name     string
		group    model.SubmissionGroup
		expected model.SubmissionStatus
	}{
		{"empty group", groupOf(), model.SubmissionDraft},
		{"single draft", groupOf(model.SubmissionDraft), model.SubmissionDraft},
		{"highest priority wins", groupOf(model.SubmissionDraft, model.SubmissionApproved, model.SubmissionRejected), model.SubmissionApproved},
		{"under review beats rejected", groupOf(model.SubmissionRejected, model.SubmissionUnderReview), model.SubmissionUnderReview},
		{"rejected beats draft", groupOf(model.SubmissionDraft, model.SubmissionRejected), model.SubmissionRejected},
		{"unknown member status ignored", groupOf("ARCHIVED", model.SubmissionDraft), model.SubmissionDraft},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveGroupStatus(tt.group))
		})
	}
}

func TestDeriveGroupStatus_ExplicitStatusWins(t *testing.T) {
	g := groupOf(model.SubmissionApproved, model.SubmissionApproved)
	g.Status = explicit(model.SubmissionRejected)

	assert.Equal(t, model.SubmissionRejected, DeriveGroupStatus(g))
	assert.Equal(t, model.SubmissionRejected, UnanimousStatus(g))

	empty := groupOf()
	empty.Status = explicit(model.SubmissionApproved)
	assert.Equal(t, model.SubmissionApproved, DeriveGroupStatus(empty))
}

func TestUnanimousStatus(t *testing.T) {
	tests := []struct {
		name     string
		group    model.SubmissionGroup
		expected model.SubmissionStatus
	}{
		{"empty group", groupOf(), model.SubmissionDraft},
		{"all approved", groupOf(model.SubmissionApproved, model.SubmissionApproved), model.SubmissionApproved},
		{"one draft holds the group back", groupOf(model.SubmissionApproved, model.SubmissionDraft, model.SubmissionUnderReview), model.SubmissionDraft},
		{"rejected below under review", groupOf(model.SubmissionApproved, model.SubmissionUnderReview, model.SubmissionRejected), model.SubmissionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, UnanimousStatus(tt.group))
		})
	}
}

func TestGroupRejectionComment_FirstInMemberOrder(t *testing.T) {
	g := groupOf(model.SubmissionApproved, model.SubmissionRejected, model.SubmissionRejected)
	g.Members[1].RejectionComment = "figures do not add up"
	g.Members[2].RejectionComment = "late"

	assert.Equal(t, "figures do not add up", GroupRejectionComment(g))
	assert.Empty(t, GroupRejectionComment(groupOf(model.SubmissionDraft)))
}

func TestAggregatorFor(t *testing.T) {
	mixed := groupOf(model.SubmissionDraft, model.SubmissionApproved)

	agg, err := AggregatorFor("")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionApproved, agg(mixed))

	agg, err = AggregatorFor(config.AggregationMaxPriority)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionApproved, agg(mixed))

	agg, err = AggregatorFor(config.AggregationUnanimous)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionDraft, agg(mixed))

	_, err = AggregatorFor("majority")
	assert.Error(t, err)
}
