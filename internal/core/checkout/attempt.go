package checkout

import (
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

// Step is a checkout state. Steps advance strictly in declaration order.
type Step int

const (
	StepIdle Step = iota
	StepAvailabilityConfirmed
	StepCalendarSelected
	StepTimeSelected
	StepQuantitySelected
	StepRegisterSubmitted
	StepSucceeded
	StepFailed
)

func (s Step) String() string {
	return [...]string{
		"IDLE",
		"AVAILABILITY_CONFIRMED",
		"CALENDAR_SELECTED",
		"TIME_SELECTED",
		"QUANTITY_SELECTED",
		"REGISTER_SUBMITTED",
		"SUCCEEDED",
		"FAILED",
	}[s]
}

// Outcome of one attempt.
type Outcome string

const (
	OutcomeInProgress Outcome = "IN_PROGRESS"
	OutcomeSucceeded  Outcome = "SUCCEEDED"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeAborted    Outcome = "ABORTED"
)

func (o Outcome) IsTerminal() bool {
	return o != OutcomeInProgress
}

// Attempt is one run of the machine. Step is the current (or terminal)
// state; Reached is the last step the Actuator confirmed.
type Attempt struct {
	ID          string
	Opportunity inventory.Opportunity
	Step        Step
	Reached     Step
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     Outcome
	Err         error
}

func (a Attempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}
