package workflow

import (
	"github.com/pitabwire/onboarding/model"
)

// Step is one approval stage of the onboarding pipeline.
type Step struct {
	Status     string `json:"status"`
	Permission string `json:"permission"`
	Role       string `json:"role"`
	// Successor is the status entered when the step is approved.
	Successor string `json:"successor"`
}

// Approval permissions, one per step.
const (
	PermApprovePurchaser  = "registration.approve.purchaser"
	PermApproveQuality    = "registration.approve.quality"
	PermApproveManager    = "registration.approve.manager"
	PermApproveDirector   = "registration.approve.director"
	PermApproveFinance    = "registration.approve.finance"
	PermApproveAccountant = "registration.approve.accountant"
	PermApproveCashier    = "registration.approve.cashier"
)

// steps is the fixed, ordered step table. pending_accountant hands over to
// code binding instead of the cashier, and the cashier step activates.
var steps = []Step{
	{Status: model.StatusPendingPurchaser, Permission: PermApprovePurchaser, Role: model.RolePurchaser, Successor: model.StatusPendingQualityManager},
	{Status: model.StatusPendingQualityManager, Permission: PermApproveQuality, Role: model.RoleQualityManager, Successor: model.StatusPendingProcurementManager},
	{Status: model.StatusPendingProcurementManager, Permission: PermApproveManager, Role: model.RoleProcurementManager, Successor: model.StatusPendingProcurementDirector},
	{Status: model.StatusPendingProcurementDirector, Permission: PermApproveDirector, Role: model.RoleProcurementDirector, Successor: model.StatusPendingFinanceDirector},
	{Status: model.StatusPendingFinanceDirector, Permission: PermApproveFinance, Role: model.RoleFinanceDirector, Successor: model.StatusPendingAccountant},
	{Status: model.StatusPendingAccountant, Permission: PermApproveAccountant, Role: model.RoleFinanceAccountant, Successor: model.StatusPendingCodeBinding},
	{Status: model.StatusPendingCashier, Permission: PermApproveCashier, Role: model.RoleFinanceCashier, Successor: model.StatusActivated},
}

// pipeline is every non-terminal status in the order an application moves
// through them.
var pipeline = []string{
	model.StatusPendingPurchaser,
	model.StatusPendingQualityManager,
	model.StatusPendingProcurementManager,
	model.StatusPendingProcurementDirector,
	model.StatusPendingFinanceDirector,
	model.StatusPendingAccountant,
	model.StatusPendingCodeBinding,
	model.StatusPendingCashier,
}

// Steps returns a copy of the step table in workflow order.
func Steps() []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	return out
}

// StepFor returns the step owning status.
func StepFor(status string) (Step, bool) {
	for _, s := range steps {
		if s.Status == status {
			return s, true
		}
	}
	return Step{}, false
}

// StepForRole returns the step whose canonical role matches role after
// normalization.
func StepForRole(role string) (Step, bool) {
	r := model.NormalizeRole(role)
	for _, s := range steps {
		if s.Role == r {
			return s, true
		}
	}
	return Step{}, false
}

// RoleForStatus returns the role expected to act on an application in
// status. Code binding belongs to the accountant.
func RoleForStatus(status string) (string, bool) {
	if status == model.StatusPendingCodeBinding {
		return model.RoleFinanceAccountant, true
	}
	s, ok := StepFor(status)
	if !ok {
		return "", false
	}
	return s.Role, true
}

// Transition is the outcome of applying a decision to a status.
type Transition struct {
	From string
	To   string
	// Activates is true when the transition must stamp activatedAt.
	Activates bool
}

// Next computes the status reached by applying decision to status. It is a
// pure function of the step table.
func Next(status, decision string) (Transition, error) {
	if model.IsTerminalStatus(status) {
		return Transition{}, model.NewInvalidStateError("Application has already reached a terminal status")
	}
	step, ok := StepFor(status)
	if !ok {
		return Transition{}, model.NewInvalidWorkflowStateError(status)
	}

	switch decision {
	case model.DecisionApproved:
		return Transition{
			From:      status,
			To:        step.Successor,
			Activates: step.Successor == model.StatusActivated,
		}, nil
	case model.DecisionRejected:
		return Transition{From: status, To: model.StatusRejected}, nil
	case model.DecisionPendingInfo:
		return Transition{From: status, To: status}, nil
	default:
		return Transition{}, model.NewBadRequestError("unknown decision " + decision)
	}
}

// BindingTransition is the only way out of pending_code_binding.
func BindingTransition() Transition {
	return Transition{From: model.StatusPendingCodeBinding, To: model.StatusPendingCashier}
}
