// Package instruction assembles the prompt text sent to an agent for one
// step execution: execution-context metadata, the step's template with
// tokens substituted, and a generated outcome section describing the step's
// rule tags.
package instruction

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cmtonkinson/overseer/internal/rules"
	"github.com/cmtonkinson/overseer/internal/workflow"
)

// Context carries the per-iteration values substituted into a step template.
// Build is a pure function of (step, Context); callers capture live values
// such as the working-tree diff before building.
type Context struct {
	Task            string
	WorkingDir      string
	ProjectRoot     string
	Interactive     bool
	Iteration       int
	MaxIterations   int
	StepIteration   int
	PreviousOutput  string
	WorkingTreeDiff string
	UserAnswers     []string
	ReportDir       string
}

// Build renders the full instruction for one step execution. Substitution is
// a single simultaneous pass, so braces inside substituted values are never
// reinterpreted as further tokens. Identical inputs produce byte-identical
// output.
func Build(step workflow.Step, buildContext Context) string {
	var builder strings.Builder
	writeHeader(&builder, buildContext)
	builder.WriteString(substitute(step, buildContext))
	writeAnswers(&builder, step, buildContext)
	writeOutcomes(&builder, step, buildContext)
	return builder.String()
}

// writeAnswers appends accumulated user answers for templates that do not
// place them with the {user_answers} token. Answers always reach the agent
// one way or the other.
func writeAnswers(builder *strings.Builder, step workflow.Step, buildContext Context) {
	if len(buildContext.UserAnswers) == 0 {
		return
	}
	if strings.Contains(step.Prompt, "{user_answers}") {
		return
	}
	builder.WriteString("\n\n## Additional guidance\n\n")
	builder.WriteString(strings.Join(buildContext.UserAnswers, "\n"))
	builder.WriteString("\n")
}

// writeHeader prepends execution-context metadata. A project root differing
// from the working directory marks worktree isolation.
func writeHeader(builder *strings.Builder, buildContext Context) {
	if buildContext.WorkingDir == "" {
		return
	}
	fmt.Fprintf(builder, "Working directory: %s\n", buildContext.WorkingDir)
	if buildContext.ProjectRoot != "" && buildContext.ProjectRoot != buildContext.WorkingDir {
		fmt.Fprintf(builder, "Project root: %s\n", buildContext.ProjectRoot)
		builder.WriteString("This working directory is an isolated git worktree of the project; keep all changes on its branch and leave the main checkout untouched.\n")
	}
	builder.WriteString("\n")
}

// substitute fills the step template's tokens from the context. Previous
// output is only exposed when the step opts in.
func substitute(step workflow.Step, buildContext Context) string {
	previous := ""
	if step.PassPrevious {
		previous = buildContext.PreviousOutput
	}
	reportDir := step.ReportDir
	if reportDir == "" {
		reportDir = buildContext.ReportDir
	}
	replacer := strings.NewReplacer(
		"{task}", buildContext.Task,
		"{iteration}", strconv.Itoa(buildContext.Iteration),
		"{max_iterations}", strconv.Itoa(buildContext.MaxIterations),
		"{step_iteration}", strconv.Itoa(buildContext.StepIteration),
		"{previous_output}", previous,
		"{working_tree_diff}", buildContext.WorkingTreeDiff,
		"{user_answers}", strings.Join(buildContext.UserAnswers, "\n"),
		"{report_dir}", reportDir,
	)
	return replacer.Replace(step.Prompt)
}

// writeOutcomes appends the generated rule section: a condition-to-tag table,
// the required status-line format, and any per-rule appendix. Interactive-only
// rules are omitted in non-interactive runs, but the remaining tags keep
// their original positions.
func writeOutcomes(builder *strings.Builder, step workflow.Step, buildContext Context) {
	positions := eligiblePositions(step, buildContext)
	if len(positions) == 0 {
		return
	}
	builder.WriteString("\n\n## Outcomes\n\n")
	builder.WriteString("Decide which one of the following conditions describes your result. End your reply with a single final line of exactly this form:\n\n")
	fmt.Fprintf(builder, "%s <tag>\n\n", rules.StatusPrefix)
	for _, position := range positions {
		fmt.Fprintf(builder, "- %s when: %s\n", rules.Tag(step.Name, position), step.Rules[position-1].Condition)
	}
	for _, position := range positions {
		appendix := strings.TrimSpace(step.Rules[position-1].Appendix)
		if appendix == "" {
			continue
		}
		fmt.Fprintf(builder, "\nWhen reporting %s also include:\n%s\n", rules.Tag(step.Name, position), appendix)
	}
}

// eligiblePositions returns the 1-based positions of rules visible in the
// current execution context.
func eligiblePositions(step workflow.Step, buildContext Context) []int {
	var positions []int
	for i, rule := range step.Rules {
		if rule.InteractiveOnly && !buildContext.Interactive {
			continue
		}
		positions = append(positions, i+1)
	}
	return positions
}
