package registration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/onboarding/internal/observability"
	"github.com/pitabwire/onboarding/internal/store"
	"github.com/pitabwire/onboarding/internal/workflow"
	"github.com/pitabwire/onboarding/model"
)

// DecisionResult describes the state reached by a step decision.
type DecisionResult struct {
	ApplicationID int64      `json:"application_id"`
	Step          string     `json:"step"`
	Decision      string     `json:"decision"`
	Status        string     `json:"status"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
}

// Approve records the actor's approval of the current step and advances
// the application. Approving the cashier step activates it.
func (s *Service) Approve(ctx context.Context, id int64, actor *model.Actor, comment string) (DecisionResult, error) {
	comment = strings.TrimSpace(comment)
	return s.decide(ctx, id, actor, model.DecisionApproved, comment, func(step workflow.Step, tr workflow.Transition) (string, map[string]any) {
		return ActionApproveStep, map[string]any{
			"step":       step.Status,
			"nextStatus": tr.To,
			"comment":    comment,
		}
	})
}

// Reject ends the application at the current step. reason is required.
func (s *Service) Reject(ctx context.Context, id int64, actor *model.Actor, reason string) (DecisionResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return DecisionResult{}, model.NewFieldValidationError("reason", "REQUIRED", "Rejection reason is required")
	}
	return s.decide(ctx, id, actor, model.DecisionRejected, reason, func(step workflow.Step, _ workflow.Transition) (string, map[string]any) {
		return ActionReject, map[string]any{"step": step.Status, "reason": reason}
	})
}

// RequestInfo asks the applicant for more information. The status does
// not change. message is required.
func (s *Service) RequestInfo(ctx context.Context, id int64, actor *model.Actor, message string) (DecisionResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return DecisionResult{}, model.NewFieldValidationError("message", "REQUIRED", "Message is required")
	}
	return s.decide(ctx, id, actor, model.DecisionPendingInfo, message, func(step workflow.Step, _ workflow.Transition) (string, map[string]any) {
		return ActionRequestInfo, map[string]any{"step": step.Status, "message": message}
	})
}

type auditChanges func(step workflow.Step, tr workflow.Transition) (action string, changes map[string]any)

func (s *Service) decide(ctx context.Context, id int64, actor *model.Actor, decision, comment string, changes auditChanges) (DecisionResult, error) {
	ctx, span := observability.StartApplicationSpan(ctx, "registration.Decide", id, "",
		observability.AttrDecision.String(decision))
	var (
		app   model.Application
		step  workflow.Step
		tr    workflow.Transition
		entry model.AuditEntry
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		app, err = tx.GetApplicationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		step, tr, err = workflow.Decide(app.Status, actor, decision)
		if err != nil {
			return err
		}
		ctx = observability.WithApplication(ctx, s.logger, id, step.Status)

		now := s.now().UTC()
		d := model.StepDecision{
			ApplicationID: id,
			Step:          step.Status,
			Decision:      decision,
			ActorID:       actor.SubjectID,
			ActorName:     actor.Name,
			Comment:       comment,
			CreatedAt:     now,
		}
		if d.ID, err = tx.AppendDecision(ctx, d); err != nil {
			return fmt.Errorf("registration: append decision: %w", err)
		}
		app.Decisions = append(app.Decisions, d)

		app.Status = tr.To
		app.UpdatedAt = now
		if tr.Activates {
			app.ActivatedAt = &now
		}
		if decision == model.DecisionRejected {
			app.RejectedBy = actor.SubjectID
			app.RejectedAt = &now
			app.RejectionReason = comment
		}
		if err := tx.UpdateApplication(ctx, app); err != nil {
			return err
		}

		action, ch := changes(step, tr)
		entry, err = s.audit.Writer().Append(ctx, tx, record(actor, id, action, ch))
		return err
	})
	observability.EndSpan(span, err)
	if err != nil {
		return DecisionResult{}, err
	}

	ctx = observability.WithApplication(ctx, s.logger, id, step.Status)
	s.afterCommit(ctx, entry)
	s.metrics.RecordDecision(step.Status, decision)
	s.log(ctx).Info("step decision recorded",
		zap.String("decision", decision),
		zap.String("status", app.Status),
	)

	switch {
	case tr.Activates:
		s.metrics.RecordActivation()
		s.notifier.Activated(ctx, app)
	case decision == model.DecisionApproved:
		s.notifier.ApprovalRequired(ctx, app)
	case decision == model.DecisionRejected:
		s.notifier.Rejected(ctx, app, step.Status)
	case decision == model.DecisionPendingInfo:
		s.notifier.InfoRequested(ctx, app, step.Status, comment)
	}

	return DecisionResult{
		ApplicationID: id,
		Step:          step.Status,
		Decision:      decision,
		Status:        app.Status,
		ActivatedAt:   app.ActivatedAt,
	}, nil
}
