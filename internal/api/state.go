package api

type IntentStatus string

type NextAction string

const (
	IntentBuilt     IntentStatus = "built"
	IntentAttested  IntentStatus = "attested"
	IntentSubmitted IntentStatus = "submitted"
	IntentConfirmed IntentStatus = "confirmed"
	IntentFailed    IntentStatus = "failed"
)

const (
	ActionAttest       NextAction = "attest"
	ActionSubmit       NextAction = "submit"
	ActionAwaitReceipt NextAction = "await_receipt"
	ActionReturnFinal  NextAction = "return_final"
	ActionStart        NextAction = "start"
)

// Terminal reports whether no further transition is possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentConfirmed || s == IntentFailed
}

// DetermineNextAction maps an intent's recorded status to the next step.
func DetermineNextAction(status IntentStatus) NextAction {
	switch status {
	case IntentBuilt:
		return ActionAttest
	case IntentAttested:
		return ActionSubmit
	case IntentSubmitted:
		return ActionAwaitReceipt
	case IntentConfirmed, IntentFailed:
		return ActionReturnFinal
	default:
		return ActionStart
	}
}

// CanTransition reports whether an intent may move from one status to another.
// Every non-terminal status may fail; success only moves forward one step.
func CanTransition(from, to IntentStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == IntentFailed {
		return true
	}
	switch from {
	case IntentBuilt:
		return to == IntentAttested
	case IntentAttested:
		return to == IntentSubmitted
	case IntentSubmitted:
		return to == IntentConfirmed
	default:
		return false
	}
}
