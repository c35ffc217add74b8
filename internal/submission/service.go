package submission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/lock"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// FormSource loads and freezes the form template versions submissions are
// filed against.
type FormSource interface {
	GetFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error)
	LockFormTemplate(ctx context.Context, templateID string) (model.FormTemplate, error)
}

// GroupInput describes a new submission group.
type GroupInput struct {
	Title       string
	Description string
}

// SubmissionInput describes a submission added to a group. An empty Status
// files it as DRAFT.
type SubmissionInput struct {
	FormTemplateID string
	Values         map[string]model.FieldValue
	Status         model.SubmissionStatus
}

// Service manages submission groups and reports their derived status.
type Service struct {
	store     Store
	forms     FormSource
	locker    lock.Locker
	aggregate Aggregator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates a submission service. A nil aggregate selects
// DeriveGroupStatus; logger and metrics may be nil.
func NewService(
	store Store,
	forms FormSource,
	locker lock.Locker,
	aggregate Aggregator,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Service {
	if aggregate == nil {
		aggregate = DeriveGroupStatus
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		forms:     forms,
		locker:    locker,
		aggregate: aggregate,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// View pairs a group with its derived status and rejection comment.
func (s *Service) View(group model.SubmissionGroup) model.GroupView {
	return model.GroupView{
		Group:            group,
		DerivedStatus:    s.aggregate(group),
		RejectionComment: GroupRejectionComment(group),
	}
}

// CreateGroup creates an empty group.
func (s *Service) CreateGroup(ctx context.Context, in GroupInput) (model.GroupView, error) {
	if strings.TrimSpace(in.Title) == "" {
		return model.GroupView{}, model.NewFieldValidationError("title", "REQUIRED", "title is required")
	}
	now := s.now()
	group := model.SubmissionGroup{
		ID:          uuid.New().String(),
		Title:       in.Title,
		Description: in.Description,
		Members:     []model.Submission{},
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	if err := s.store.Create(ctx, group); err != nil {
		return model.GroupView{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("submission group created", zap.String("group_id", group.ID))
	return s.View(group), nil
}

// GetGroup returns a group with its derived status.
func (s *Service) GetGroup(ctx context.Context, groupID string) (model.GroupView, error) {
	g, err := s.store.Get(ctx, groupID)
	if err != nil {
		return model.GroupView{}, err
	}
	return s.View(g), nil
}

// ListGroups returns all groups with their derived status, oldest first.
func (s *Service) ListGroups(ctx context.Context) ([]model.GroupView, error) {
	groups, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]model.GroupView, len(groups))
	for i, g := range groups {
		views[i] = s.View(g)
	}
	return views, nil
}

// AddSubmission validates values against the form template and appends the
// submission to the group. The form template version is locked and the
// values are checked again against the locked version.
func (s *Service) AddSubmission(ctx context.Context, groupID string, in SubmissionInput) (model.Submission, error) {
	status := in.Status
	if status == "" {
		status = model.SubmissionDraft
	}
	if !status.Valid() {
		return model.Submission{}, model.NewFieldValidationError("status", "INVALID_VALUE",
			fmt.Sprintf("unknown submission status %q", status))
	}
	if status == model.SubmissionRejected {
		return model.Submission{}, model.NewFieldValidationError("status", "INVALID_VALUE",
			"a submission cannot be filed as REJECTED")
	}

	form, err := s.forms.GetFormTemplate(ctx, in.FormTemplateID)
	if err != nil {
		return model.Submission{}, err
	}
	if errs := model.ValidateValues(form, in.Values); len(errs) > 0 {
		return model.Submission{}, model.NewValidationError(errs)
	}

	now := s.now()
	sub := model.Submission{
		ID:             uuid.New().String(),
		FormTemplateID: form.ID,
		Values:         make(map[string]model.FieldValue, len(in.Values)),
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for k, v := range in.Values {
		sub.Values[k] = v
	}

	_, err = s.mutate(ctx, "add_submission", groupID, func(g *model.SubmissionGroup) error {
		// The form may have changed between the read above and the lock;
		// the frozen version is the one the values must satisfy.
		locked, err := s.forms.LockFormTemplate(ctx, form.ID)
		if err != nil {
			return err
		}
		if errs := model.ValidateValues(locked, in.Values); len(errs) > 0 {
			return model.NewValidationError(errs)
		}
		g.Members = append(g.Members, sub)
		return nil
	})
	if err != nil {
		return model.Submission{}, err
	}
	s.metrics.RecordSubmissionStatus(string(status))
	return sub, nil
}

// SetSubmissionStatus changes a member's status. REJECTED requires a
// comment; any other status clears it.
func (s *Service) SetSubmissionStatus(
	ctx context.Context,
	groupID, submissionID string,
	status model.SubmissionStatus,
	comment string,
) (model.GroupView, error) {
	if !status.Valid() {
		return model.GroupView{}, model.NewFieldValidationError("status", "INVALID_VALUE",
			fmt.Sprintf("unknown submission status %q", status))
	}
	if status == model.SubmissionRejected && strings.TrimSpace(comment) == "" {
		return model.GroupView{}, model.NewFieldValidationError("rejection_comment", "REQUIRED",
			"a rejection comment is required")
	}

	g, err := s.mutate(ctx, "set_submission_status", groupID, func(g *model.SubmissionGroup) error {
		for i := range g.Members {
			if g.Members[i].ID != submissionID {
				continue
			}
			m := &g.Members[i]
			m.Status = status
			m.RejectionComment = ""
			if status == model.SubmissionRejected {
				m.RejectionComment = comment
			}
			m.UpdatedAt = s.now()
			return nil
		}
		return model.NewNotFoundError(fmt.Sprintf("submission %q not found in group %q", submissionID, groupID))
	})
	if err != nil {
		return model.GroupView{}, err
	}
	s.metrics.RecordSubmissionStatus(string(status))
	return s.View(g), nil
}

// SetGroupStatus sets an explicit status that overrides the derived one. A
// nil status clears the override.
func (s *Service) SetGroupStatus(ctx context.Context, groupID string, status *model.SubmissionStatus) (model.GroupView, error) {
	if status != nil && !status.Valid() {
		return model.GroupView{}, model.NewFieldValidationError("status", "INVALID_VALUE",
			fmt.Sprintf("unknown submission status %q", *status))
	}
	g, err := s.mutate(ctx, "set_group_status", groupID, func(g *model.SubmissionGroup) error {
		if status == nil {
			g.Status = nil
			return nil
		}
		st := *status
		g.Status = &st
		return nil
	})
	if err != nil {
		return model.GroupView{}, err
	}
	return s.View(g), nil
}

// DeleteGroup removes a group. A group with members is only removed when
// cascade is set.
func (s *Service) DeleteGroup(ctx context.Context, groupID string, cascade bool) (err error) {
	ctx, span := observability.StartSpan(ctx, "submission.DeleteGroup", observability.AttrGroupID.String(groupID))
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock, err := s.tryLock(ctx, groupID)
	if err != nil {
		return err
	}
	defer unlock()

	g, err := s.store.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if len(g.Members) > 0 && !cascade {
		return model.NewInvalidStateError(
			fmt.Sprintf("submission group %q has %d members; delete with cascade", groupID, len(g.Members)))
	}
	if err = s.store.Delete(ctx, groupID); err != nil {
		return err
	}
	observability.RequestLogger(ctx, s.logger).Info("submission group deleted",
		zap.String("group_id", groupID),
		zap.Int("members", len(g.Members)),
	)
	return nil
}

// mutate applies fn to a group under its lock and persists the result.
func (s *Service) mutate(
	ctx context.Context,
	op, groupID string,
	fn func(g *model.SubmissionGroup) error,
) (g model.SubmissionGroup, err error) {
	ctx, span := observability.StartSpan(ctx, "submission."+op, observability.AttrGroupID.String(groupID))
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock, err := s.tryLock(ctx, groupID)
	if err != nil {
		return model.SubmissionGroup{}, err
	}
	defer unlock()

	g, err = s.store.Get(ctx, groupID)
	if err != nil {
		return model.SubmissionGroup{}, err
	}
	before := s.aggregate(g)
	if err = fn(&g); err != nil {
		return model.SubmissionGroup{}, err
	}
	g.UpdatedAt = s.now()
	if err = s.store.Update(ctx, g); err != nil {
		return model.SubmissionGroup{}, err
	}
	g.Version++

	if after := s.aggregate(g); after != before {
		observability.RequestLogger(ctx, s.logger).Info("submission group status changed",
			zap.String("group_id", groupID),
			zap.String("operation", op),
			zap.String("from", string(before)),
			zap.String("to", string(after)),
		)
	}
	return g, nil
}

func (s *Service) tryLock(ctx context.Context, groupID string) (func(), error) {
	unlock, err := s.locker.TryLock(ctx, lock.Key("group", groupID))
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			s.metrics.RecordLockContention("submission")
			observability.RequestLogger(ctx, s.logger).Warn("submission group lock contention", zap.String("group_id", groupID))
		}
		return nil, err
	}
	return unlock, nil
}
