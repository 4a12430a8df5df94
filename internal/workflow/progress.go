package workflow

import (
	"github.com/pitabwire/onboarding/model"
)

// Progress states.
const (
	ProgressCompleted = "completed"
	ProgressCurrent   = "current"
	ProgressPending   = "pending"
	ProgressRejected  = "rejected"
)

// StepProgress describes where an application stands at one pipeline stage.
type StepProgress struct {
	Status   string              `json:"status"`
	Role     string              `json:"role"`
	State    string              `json:"state"`
	Decision *model.StepDecision `json:"decision,omitempty"`
}

// Progress lays the application's decisions over the pipeline.
func Progress(app *model.Application) []StepProgress {
	current := indexOf(app.Status)
	rejectedAt := -1
	if app.Status == model.StatusRejected {
		rejectedAt = rejectedIndex(app)
	}

	out := make([]StepProgress, 0, len(pipeline))
	for i, status := range pipeline {
		role, _ := RoleForStatus(status)
		p := StepProgress{Status: status, Role: role, State: ProgressPending}
		if d, ok := app.StepDecision(status); ok {
			p.Decision = &d
		}

		switch {
		case app.Status == model.StatusActivated:
			p.State = ProgressCompleted
		case rejectedAt >= 0 && i < rejectedAt:
			p.State = ProgressCompleted
		case rejectedAt >= 0 && i == rejectedAt:
			p.State = ProgressRejected
		case current >= 0 && i < current:
			p.State = ProgressCompleted
		case i == current:
			p.State = ProgressCurrent
		}
		out = append(out, p)
	}
	return out
}

func indexOf(status string) int {
	for i, s := range pipeline {
		if s == status {
			return i
		}
	}
	return -1
}

// rejectedIndex finds the pipeline stage whose latest decision is a
// rejection.
func rejectedIndex(app *model.Application) int {
	for i, status := range pipeline {
		if d, ok := app.StepDecision(status); ok && d.Decision == model.DecisionRejected {
			return i
		}
	}
	return -1
}
