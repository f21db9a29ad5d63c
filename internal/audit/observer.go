package audit

import (
	"context"

	"github.com/cmtonkinson/overseer/internal/agent"
	"github.com/cmtonkinson/overseer/internal/engine"
)

// Observer returns an engine observer that records lifecycle events. Write
// failures surface through the logger's warning sink and never touch the run.
func Observer(logger *Logger) func(engine.Event) {
	return func(event engine.Event) {
		switch event.Type {
		case engine.EventStepStart:
			// 1-based, matching the {iteration} placeholder.
			_ = logger.LogStepStart(event.Workflow, event.Step, event.Iteration+1)
		case engine.EventStepUserInput:
			_ = logger.LogStepUserInput(event.Workflow, event.Step)
		case engine.EventStepComplete:
			agentLabel := ""
			status := ""
			rulePosition := 0
			if event.Response != nil {
				agentLabel = event.Response.Agent
				status = string(event.Response.Status)
				// 1-based, matching the tag positions agents emit.
				rulePosition = event.Response.RuleIndex + 1
			}
			_ = logger.LogStepComplete(event.Workflow, event.Step, agentLabel, status, rulePosition)
		case engine.EventWorkflowComplete:
			_ = logger.LogWorkflowComplete(event.Workflow, event.Iteration)
		case engine.EventWorkflowAbort:
			_ = logger.LogWorkflowAbort(event.Workflow, event.Reason)
		}
	}
}

// Invoker wraps an engine invoker so every agent call is recorded. Responses
// and errors pass through unchanged.
func Invoker(logger *Logger, workflow string, inner engine.Invoker) engine.Invoker {
	return &auditingInvoker{logger: logger, workflow: workflow, inner: inner}
}

type auditingInvoker struct {
	logger   *Logger
	workflow string
	inner    engine.Invoker
}

func (invoker *auditingInvoker) Invoke(ctx context.Context, label string, prompt string, options agent.InvokeOptions) (agent.Response, error) {
	_ = invoker.logger.LogAgentInvoke(invoker.workflow, label)
	response, err := invoker.inner.Invoke(ctx, label, prompt, options)
	if err != nil {
		_ = invoker.logger.LogAgentOutcome(invoker.workflow, label, string(agent.StatusError), err.Error())
		return response, err
	}
	_ = invoker.logger.LogAgentOutcome(invoker.workflow, label, string(response.Status), response.Error)
	return response, nil
}
