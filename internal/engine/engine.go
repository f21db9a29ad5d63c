package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cmtonkinson/overseer/internal/agent"
	"github.com/cmtonkinson/overseer/internal/instruction"
	"github.com/cmtonkinson/overseer/internal/rules"
	"github.com/cmtonkinson/overseer/internal/workflow"
)

// DefaultLoopThreshold is how many consecutive identical (step, matched rule)
// signatures trip the loop guard when the caller does not configure one.
const DefaultLoopThreshold = 3

// Invoker executes one agent call. The agent adapter satisfies it; tests
// substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, label string, prompt string, options agent.InvokeOptions) (agent.Response, error)
}

// Options wires an engine's collaborators and callbacks. Only Invoker is
// required.
type Options struct {
	// Invoker runs agent calls.
	Invoker Invoker
	// Interactive marks a run with a human available for input.
	Interactive bool
	// ProjectRoot names the main checkout when the working directory is an
	// isolated worktree; empty means no isolation.
	ProjectRoot string
	// ReportDir is the fallback directory for steps that write reports.
	ReportDir string
	// InitialSessions seeds the per-agent session map, resuming earlier
	// conversations.
	InitialSessions map[string]string
	// LoopThreshold overrides DefaultLoopThreshold when positive.
	LoopThreshold int
	// Diff captures the live working-tree diff. It is only called when a
	// step's template references {working_tree_diff}.
	Diff func() string
	// OnStream receives raw agent stream events as they arrive.
	OnStream func(agent.StreamEvent)
	// OnSessionUpdate fires as soon as an agent reports a new session id, so
	// callers can persist continuity before the run ends.
	OnSessionUpdate func(agentLabel string, sessionID string)
	// OnUserInput is asked for free-form text when a step's reply matched no
	// rule. Returning empty declines.
	OnUserInput func(step string, response agent.Response) string
	// OnIterationLimit is asked for a new cap when the counter reaches the
	// current one. Returning a value not above the current cap declines.
	OnIterationLimit func(iteration int, limit int) int
	// Observers receive lifecycle events. They are pure notifications.
	Observers []func(Event)
}

// Engine drives one workflow run. Construct with New, start with Run; a
// second Run on the same engine is not supported.
type Engine struct {
	definition    workflow.Definition
	workingDir    string
	task          string
	options       Options
	maxIterations int
	threshold     int

	mu          sync.Mutex
	cancelRun   context.CancelFunc
	abortReason string

	state       *State
	lastContent string
	userAnswers []string
	answerTried bool
}

// New validates the inputs, normalizes the definition, and builds an engine
// positioned at the initial step.
func New(definition workflow.Definition, workingDir string, task string, options Options) (*Engine, error) {
	normalized, err := definition.Normalized()
	if err != nil {
		return nil, err
	}
	if options.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if strings.TrimSpace(workingDir) == "" {
		return nil, errors.New("working directory is required")
	}
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("task is required")
	}
	threshold := options.LoopThreshold
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	engine := &Engine{
		definition:    normalized,
		workingDir:    workingDir,
		task:          task,
		options:       options,
		maxIterations: normalized.MaxIterations,
		threshold:     threshold,
		state: &State{
			Workflow:       normalized.Name,
			CurrentStep:    normalized.InitialStep,
			StepIterations: map[string]int{},
			Responses:      map[string]agent.Response{},
			Sessions:       map[string]string{},
			Status:         StatusRunning,
		},
	}
	for label, session := range options.InitialSessions {
		engine.state.Sessions[label] = session
	}
	return engine, nil
}

// Abort stops the run at the next step boundary with the given reason. Safe
// to call from any goroutine, before or during Run.
func (engine *Engine) Abort(reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled"
	}
	engine.mu.Lock()
	if engine.abortReason == "" {
		engine.abortReason = reason
	}
	cancel := engine.cancelRun
	engine.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the workflow until a terminal rule or an abort condition and
// returns the final state. The state's status is always completed or aborted,
// never running.
func (engine *Engine) Run(ctx context.Context) *State {
	runCtx, cancel := context.WithCancel(ctx)
	engine.mu.Lock()
	engine.cancelRun = cancel
	engine.mu.Unlock()
	defer cancel()

	guard := newLoopGuard(engine.threshold)
	for {
		if reason, stopped := engine.stopReason(runCtx); stopped {
			return engine.finishAborted(reason, nil)
		}
		if engine.state.Iteration >= engine.maxIterations && !engine.raiseIterationLimit() {
			return engine.finishAborted("iteration limit", nil)
		}
		step, ok := engine.definition.Step(engine.state.CurrentStep)
		if !ok {
			return engine.finishAborted(fmt.Sprintf("unknown step %q", engine.state.CurrentStep), nil)
		}
		engine.state.StepIterations[step.Name]++
		engine.emit(EventStepStart, step.Name, nil, "")

		response, err := engine.invoke(runCtx, step, engine.render(step))
		if err != nil {
			return engine.finishAborted(fmt.Sprintf("agent %s could not start: %v", step.Agent, err), nil)
		}
		engine.recordSession(step.Agent, response)
		engine.state.Responses[step.Name] = response
		engine.lastContent = response.Content

		if reason, stopped := engine.stopReason(runCtx); stopped {
			return engine.finishAborted(reason, &response)
		}

		body, taggedSection := rules.SplitStatus(response.Content)
		match, matched := rules.Evaluate(step, body, taggedSection, rules.Context{Interactive: engine.options.Interactive})
		if !matched {
			if engine.collectAnswer(runCtx, step, response) {
				continue
			}
			return engine.finishAborted("blocked, no user input", &response)
		}
		engine.answerTried = false

		response.RuleIndex = match.Index
		response.RuleMethod = match.Method
		engine.state.Responses[step.Name] = response
		engine.emit(EventStepComplete, step.Name, &response, "")

		next := step.Rules[match.Index].Next
		if workflow.IsTerminal(next) {
			return engine.finishCompleted()
		}
		if guard.observe(step.Name, match.Index) {
			return engine.finishAborted("loop detected", &response)
		}
		engine.state.CurrentStep = next
		engine.state.Iteration++
	}
}

// render builds the instruction for the step about to run. The working-tree
// diff is captured lazily, only for templates that ask for it.
func (engine *Engine) render(step workflow.Step) string {
	diff := ""
	if engine.options.Diff != nil && strings.Contains(step.Prompt, "{working_tree_diff}") {
		diff = engine.options.Diff()
	}
	return instruction.Build(step, instruction.Context{
		Task:            engine.task,
		WorkingDir:      engine.workingDir,
		ProjectRoot:     engine.options.ProjectRoot,
		Interactive:     engine.options.Interactive,
		Iteration:       engine.state.Iteration + 1,
		MaxIterations:   engine.maxIterations,
		StepIteration:   engine.state.StepIterations[step.Name],
		PreviousOutput:  engine.lastContent,
		WorkingTreeDiff: diff,
		UserAnswers:     engine.userAnswers,
		ReportDir:       engine.options.ReportDir,
	})
}

// invoke runs the step's agent with its recorded session.
func (engine *Engine) invoke(ctx context.Context, step workflow.Step, prompt string) (agent.Response, error) {
	return engine.options.Invoker.Invoke(ctx, step.Agent, prompt, agent.InvokeOptions{
		WorkingDir: engine.workingDir,
		SessionID:  engine.state.Sessions[step.Agent],
		Permission: string(step.Permission),
		OnEvent:    engine.options.OnStream,
	})
}

// recordSession persists a newly reported session id immediately, so a crash
// later in the run never loses conversation continuity.
func (engine *Engine) recordSession(label string, response agent.Response) {
	if response.SessionID == "" || engine.state.Sessions[label] == response.SessionID {
		return
	}
	engine.state.Sessions[label] = response.SessionID
	if engine.options.OnSessionUpdate != nil {
		engine.options.OnSessionUpdate(label, response.SessionID)
	}
}

// collectAnswer gathers guidance for a step whose reply matched no rule: the
// user-input callback first, then the definition's answer agent, at most once
// per unresolved streak. True means the step should re-run with the answer
// appended.
func (engine *Engine) collectAnswer(ctx context.Context, step workflow.Step, response agent.Response) bool {
	engine.emit(EventStepUserInput, step.Name, &response, "")
	if engine.options.OnUserInput != nil {
		answer := strings.TrimSpace(engine.options.OnUserInput(step.Name, response))
		if answer != "" {
			engine.userAnswers = append(engine.userAnswers, answer)
			engine.answerTried = false
			return true
		}
	}
	if engine.definition.AnswerAgent != "" && !engine.answerTried {
		engine.answerTried = true
		if answer := engine.askAnswerAgent(ctx, step, response); answer != "" {
			engine.userAnswers = append(engine.userAnswers, answer)
			return true
		}
	}
	return false
}

// askAnswerAgent asks the definition's fallback agent for guidance on an
// unresolved reply. Failures simply yield no answer.
func (engine *Engine) askAnswerAgent(ctx context.Context, step workflow.Step, response agent.Response) string {
	prompt := fmt.Sprintf(
		"An automated workflow step named %q did not reach a clear outcome. Its reply follows between the markers.\n---\n%s\n---\nReply with one short paragraph of concrete guidance that lets the step finish. Do not ask questions.",
		step.Name, response.Content)
	answer, err := engine.options.Invoker.Invoke(ctx, engine.definition.AnswerAgent, prompt, agent.InvokeOptions{
		WorkingDir: engine.workingDir,
		SessionID:  engine.state.Sessions[engine.definition.AnswerAgent],
		Permission: string(workflow.PermissionReadOnly),
		OnEvent:    engine.options.OnStream,
	})
	if err != nil || answer.Status != agent.StatusSuccess {
		return ""
	}
	engine.recordSession(engine.definition.AnswerAgent, answer)
	return strings.TrimSpace(answer.Content)
}

// raiseIterationLimit asks the caller for a higher cap. True means the cap
// was raised and the run continues.
func (engine *Engine) raiseIterationLimit() bool {
	if engine.options.OnIterationLimit == nil {
		return false
	}
	granted := engine.options.OnIterationLimit(engine.state.Iteration, engine.maxIterations)
	if granted <= engine.maxIterations {
		return false
	}
	engine.maxIterations = granted
	return true
}

// stopReason reports whether the run should stop now and why. An explicit
// Abort reason wins over plain context cancellation.
func (engine *Engine) stopReason(ctx context.Context) (string, bool) {
	engine.mu.Lock()
	reason := engine.abortReason
	engine.mu.Unlock()
	if reason != "" {
		return reason, true
	}
	if ctx.Err() != nil {
		return "cancelled", true
	}
	return "", false
}

func (engine *Engine) finishCompleted() *State {
	engine.state.Status = StatusCompleted
	engine.emit(EventWorkflowComplete, engine.state.CurrentStep, nil, "")
	return engine.state
}

func (engine *Engine) finishAborted(reason string, response *agent.Response) *State {
	engine.state.Status = StatusAborted
	engine.state.AbortReason = reason
	engine.emit(EventWorkflowAbort, engine.state.CurrentStep, response, reason)
	return engine.state
}

// emit fans an event out to every observer in registration order.
func (engine *Engine) emit(eventType EventType, step string, response *agent.Response, reason string) {
	event := Event{
		Type:      eventType,
		Workflow:  engine.definition.Name,
		Step:      step,
		Iteration: engine.state.Iteration,
		Response:  response,
		Reason:    reason,
	}
	for _, observer := range engine.options.Observers {
		observer(event)
	}
}
