// Package engine drives one workflow run: it renders instructions, invokes
// agents, classifies their replies, and walks the step graph until a
// terminal rule or an abort condition ends the run.
package engine

import (
	"github.com/cmtonkinson/overseer/internal/agent"
)

// Status labels the overall outcome of a workflow run.
type Status string

const (
	// StatusRunning means the engine is still driving steps.
	StatusRunning Status = "running"
	// StatusCompleted means a rule routed the workflow to its terminal
	// marker.
	StatusCompleted Status = "completed"
	// StatusAborted means the run stopped early; AbortReason says why.
	StatusAborted Status = "aborted"
)

// State is the mutable record of one run. Only the engine writes it; callers
// read it after Run returns or from event payloads.
type State struct {
	Workflow       string                    `json:"workflow"`
	CurrentStep    string                    `json:"current_step"`
	Iteration      int                       `json:"iteration"`
	StepIterations map[string]int            `json:"step_iterations"`
	Responses      map[string]agent.Response `json:"responses"`
	Sessions       map[string]string         `json:"sessions"`
	Status         Status                    `json:"status"`
	AbortReason    string                    `json:"abort_reason,omitempty"`
}

// EventType labels an engine notification.
type EventType string

const (
	// EventStepStart fires before a step's agent is invoked.
	EventStepStart EventType = "step-start"
	// EventStepUserInput fires when a step needs more input to proceed.
	EventStepUserInput EventType = "step-user-input"
	// EventStepComplete fires after a step's reply was classified.
	EventStepComplete EventType = "step-complete"
	// EventWorkflowComplete fires once when a run finishes successfully.
	EventWorkflowComplete EventType = "workflow-complete"
	// EventWorkflowAbort fires once when a run stops early.
	EventWorkflowAbort EventType = "workflow-abort"
)

// Event is a pure notification. Observers cannot change engine behavior, and
// removing every observer changes nothing about a run.
type Event struct {
	Type      EventType
	Workflow  string
	Step      string
	Iteration int
	Response  *agent.Response
	Reason    string
}

// loopGuard detects a step re-matching the same rule over and over. The
// iteration cap is the hard backstop; the guard just cuts obvious loops
// short before they consume the whole budget.
type loopGuard struct {
	threshold int
	lastStep  string
	lastRule  int
	streak    int
}

// newLoopGuard builds a guard that trips at the given consecutive streak.
func newLoopGuard(threshold int) *loopGuard {
	return &loopGuard{threshold: threshold, lastRule: -1}
}

// observe records one (step, matched rule) signature and reports whether the
// streak reached the threshold. Any change of step or rule resets the streak.
func (guard *loopGuard) observe(step string, ruleIndex int) bool {
	if step == guard.lastStep && ruleIndex == guard.lastRule {
		guard.streak++
	} else {
		guard.lastStep = step
		guard.lastRule = ruleIndex
		guard.streak = 1
	}
	return guard.streak >= guard.threshold
}
