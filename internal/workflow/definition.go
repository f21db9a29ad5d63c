// Package workflow defines the workflow definition model: named steps bound
// to agents, ordered transition rules, and the YAML loader that reads and
// validates definition files.
package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// StepComplete is the terminal rule target. A rule whose Next names it ends
// the workflow with a completed status instead of transitioning to a step.
const StepComplete = "COMPLETE"

// DefaultMaxIterations caps workflow iterations when a definition does not
// declare its own limit.
const DefaultMaxIterations = 30

// Permission labels the access tier granted to an agent process for one step.
type Permission string

const (
	// PermissionDefault defers to the agent provider's own default tier.
	PermissionDefault Permission = ""
	// PermissionReadOnly forbids the agent from modifying the working tree.
	PermissionReadOnly Permission = "read-only"
	// PermissionEdit allows file edits but withholds unrestricted execution.
	PermissionEdit Permission = "edit"
	// PermissionFull grants the agent its provider's least-restricted tier.
	PermissionFull Permission = "full"
)

// Rule maps an agent-visible condition to the step that should run next when
// the agent declares the condition holds. Rule order is load-bearing: the
// 1-based position defines both the numeric tag shown to the agent and the
// disambiguation priority between simultaneous matches.
type Rule struct {
	Condition       string `json:"condition" yaml:"condition"`
	Next            string `json:"next" yaml:"next"`
	InteractiveOnly bool   `json:"interactive_only,omitempty" yaml:"interactive_only,omitempty"`
	Appendix        string `json:"appendix,omitempty" yaml:"appendix,omitempty"`
}

// Step is one node of the workflow graph: a single agent invocation plus the
// rules that route its reply.
type Step struct {
	Name         string     `json:"name" yaml:"name"`
	Agent        string     `json:"agent" yaml:"agent"`
	Prompt       string     `json:"prompt" yaml:"prompt"`
	PassPrevious bool       `json:"pass_previous,omitempty" yaml:"pass_previous,omitempty"`
	Permission   Permission `json:"permission,omitempty" yaml:"permission,omitempty"`
	ReportDir    string     `json:"report_dir,omitempty" yaml:"report_dir,omitempty"`
	Rules        []Rule     `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Definition is a complete workflow: an initial step, the step graph, and the
// iteration cap. Definitions are immutable once loaded; the engine never
// writes through one.
type Definition struct {
	Name          string `json:"name" yaml:"name"`
	InitialStep   string `json:"initial_step,omitempty" yaml:"initial_step,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	AnswerAgent   string `json:"answer_agent,omitempty" yaml:"answer_agent,omitempty"`
	Steps         []Step `json:"steps" yaml:"steps"`
}

// Clone returns a deep copy of the rule.
func (rule Rule) Clone() Rule {
	return rule
}

// Clone returns a deep copy of the step.
func (step Step) Clone() Step {
	clone := step
	if len(step.Rules) > 0 {
		clone.Rules = make([]Rule, len(step.Rules))
		copy(clone.Rules, step.Rules)
	}
	return clone
}

// Clone returns a deep copy of the definition.
func (def Definition) Clone() Definition {
	clone := def
	if len(def.Steps) > 0 {
		clone.Steps = make([]Step, len(def.Steps))
		for i, step := range def.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	return clone
}

// Step returns the named step and whether it exists.
func (def Definition) Step(name string) (Step, bool) {
	for _, step := range def.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

// HasStep reports whether the definition declares the named step.
func (def Definition) HasStep(name string) bool {
	_, ok := def.Step(name)
	return ok
}

// IsTerminal reports whether a rule target ends the workflow rather than
// naming another step.
func IsTerminal(target string) bool {
	return target == StepComplete
}

// validPermission reports whether the tier is one of the declared values.
func validPermission(tier Permission) bool {
	switch tier {
	case PermissionDefault, PermissionReadOnly, PermissionEdit, PermissionFull:
		return true
	}
	return false
}

// Validate ensures the definition is self-consistent: unique step names,
// every rule target resolvable to a declared step or the terminal marker,
// and a reachable initial step.
func (def Definition) Validate() error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("workflow name is required")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", def.Name)
	}
	if def.MaxIterations <= 0 {
		return fmt.Errorf("workflow %s: max_iterations must be positive", def.Name)
	}
	seen := map[string]struct{}{}
	for i, step := range def.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("workflow %s: step[%d] name is required", def.Name, i)
		}
		if step.Name == StepComplete {
			return fmt.Errorf("workflow %s: step name %q is reserved", def.Name, StepComplete)
		}
		if _, exists := seen[step.Name]; exists {
			return fmt.Errorf("workflow %s: duplicate step name %q", def.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	for _, step := range def.Steps {
		if strings.TrimSpace(step.Agent) == "" {
			return fmt.Errorf("workflow %s step %s: agent is required", def.Name, step.Name)
		}
		if strings.TrimSpace(step.Prompt) == "" {
			return fmt.Errorf("workflow %s step %s: prompt is required", def.Name, step.Name)
		}
		if !validPermission(step.Permission) {
			return fmt.Errorf("workflow %s step %s: unknown permission %q", def.Name, step.Name, step.Permission)
		}
		for j, rule := range step.Rules {
			if strings.TrimSpace(rule.Condition) == "" {
				return fmt.Errorf("workflow %s step %s: rule[%d] condition is required", def.Name, step.Name, j)
			}
			if strings.TrimSpace(rule.Next) == "" {
				return fmt.Errorf("workflow %s step %s: rule[%d] next is required", def.Name, step.Name, j)
			}
			if IsTerminal(rule.Next) {
				continue
			}
			if _, ok := seen[rule.Next]; !ok {
				return fmt.Errorf("workflow %s step %s: rule[%d] targets unknown step %q", def.Name, step.Name, j, rule.Next)
			}
		}
	}
	if _, ok := seen[def.InitialStep]; !ok {
		return fmt.Errorf("workflow %s: initial step %q is not declared", def.Name, def.InitialStep)
	}
	return nil
}

// Normalized clones the definition, fills unset fields with defaults (first
// declared step as the initial step, DefaultMaxIterations as the cap), and
// validates the result.
func (def Definition) Normalized() (Definition, error) {
	clone := def.Clone()
	if clone.InitialStep == "" && len(clone.Steps) > 0 {
		clone.InitialStep = clone.Steps[0].Name
	}
	if clone.MaxIterations == 0 {
		clone.MaxIterations = DefaultMaxIterations
	}
	if err := clone.Validate(); err != nil {
		return Definition{}, err
	}
	return clone, nil
}
