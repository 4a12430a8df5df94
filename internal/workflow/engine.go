package workflow

import (
	"fmt"

	"github.com/pitabwire/onboarding/model"
)

// Authorize checks that actor may record decision on an application in
// status. Every decision requires the step's permission. Approval also
// requires the actor's normalized role to equal the step role, while reject
// and request-info let any permission holder intervene.
func Authorize(status string, actor *model.Actor, decision string) (Step, error) {
	if model.IsTerminalStatus(status) {
		return Step{}, model.NewInvalidStateError(
			fmt.Sprintf("Application is already %s", status),
		)
	}
	step, ok := StepFor(status)
	if !ok {
		return Step{}, model.NewInvalidWorkflowStateError(status)
	}
	if actor == nil || !actor.HasPermission(step.Permission) {
		return Step{}, model.NewForbiddenError(
			fmt.Sprintf("Permission %s is required for step %s", step.Permission, step.Status),
		).With("required_permission", step.Permission)
	}
	if decision == model.DecisionApproved && actor.NormalizedRole() != step.Role {
		return Step{}, model.NewForbiddenError(
			fmt.Sprintf("Only the %s role may approve step %s", step.Role, step.Status),
		).With("required_role", step.Role)
	}
	return step, nil
}

// AuthorizeBinder checks that actor holds the code-binding role.
func AuthorizeBinder(actor *model.Actor) error {
	if actor == nil || actor.NormalizedRole() != model.RoleFinanceAccountant {
		return model.NewForbiddenError("Only the finance accountant may bind supplier codes").
			With("required_role", model.RoleFinanceAccountant)
	}
	return nil
}

// AuthorizeBinding checks that actor may bind a supplier code to an
// application in status.
func AuthorizeBinding(status string, actor *model.Actor) error {
	if err := AuthorizeBinder(actor); err != nil {
		return err
	}
	if status != model.StatusPendingCodeBinding {
		return model.NewInvalidStateError("Application is not awaiting supplier code binding").
			With("current_status", status)
	}
	return nil
}

// Decide authorizes the decision and computes the resulting transition.
func Decide(status string, actor *model.Actor, decision string) (Step, Transition, error) {
	step, err := Authorize(status, actor, decision)
	if err != nil {
		return Step{}, Transition{}, err
	}
	tr, err := Next(status, decision)
	if err != nil {
		return Step{}, Transition{}, err
	}
	return step, tr, nil
}
