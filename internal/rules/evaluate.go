// Package rules classifies agent replies against a step's ordered rule list.
// Rules are surfaced to the agent as numbered tags; evaluation looks for
// those tags in the reply and resolves disagreements between the dedicated
// status section and the free-form body.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/cmtonkinson/overseer/internal/workflow"
)

const (
	// MethodTag marks a match detected via the dedicated status section.
	MethodTag = "phase1_tag"
	// MethodBody marks a match detected only in the free-form reply body.
	MethodBody = "phase1_body"
	// MethodTagConflict marks disagreeing signals resolved in the body's favor.
	MethodTagConflict = "phase1_tag_conflict"
)

// StatusPrefix begins the dedicated status line agents are instructed to end
// their reply with; the remainder of that line is the tagged status section.
const StatusPrefix = "STATUS:"

// Match identifies which rule matched and how the match was detected.
type Match struct {
	Index  int
	Method string
}

// Context carries execution-mode information into evaluation.
type Context struct {
	Interactive bool
}

// Tag renders the canonical marker for the 1-based rule position of a step,
// e.g. Tag("plan", 2) == "[PLAN:2]". The instruction builder emits tags with
// this function and Evaluate detects them with the same syntax, so the two
// cannot drift apart.
func Tag(stepName string, position int) string {
	return fmt.Sprintf("[%s:%d]", strings.ToUpper(strings.TrimSpace(stepName)), position)
}

// SplitStatus separates an agent reply into its free-form body and tagged
// status section. The last line beginning with StatusPrefix supplies the
// section; replies without one yield an empty section. The body is always
// the full reply, so markers mentioned mid-text keep their body signal.
func SplitStatus(content string) (body string, status string) {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if len(line) >= len(StatusPrefix) && strings.EqualFold(line[:len(StatusPrefix)], StatusPrefix) {
			return content, strings.TrimSpace(line[len(StatusPrefix):])
		}
	}
	return content, ""
}

// Evaluate classifies a reply against the step's rules. The tagged status
// section and the body are scanned independently; when both produce a match
// and they disagree, the body wins and the method records the conflict. A
// false return means no rule matched and the caller decides what to do next.
// Rule condition text is never compiled as a pattern; only the fixed tag
// syntax is matched.
func Evaluate(step workflow.Step, body string, taggedSection string, evalContext Context) (Match, bool) {
	if len(step.Rules) == 0 {
		return Match{}, false
	}
	pattern, err := tagPattern(step.Name)
	if err != nil {
		return Match{}, false
	}
	tagIndex, tagFound := firstEligible(pattern, taggedSection, step.Rules, evalContext)
	bodyIndex, bodyFound := firstEligible(pattern, body, step.Rules, evalContext)
	switch {
	case tagFound && bodyFound && tagIndex != bodyIndex:
		return Match{Index: bodyIndex, Method: MethodTagConflict}, true
	case tagFound:
		return Match{Index: tagIndex, Method: MethodTag}, true
	case bodyFound:
		return Match{Index: bodyIndex, Method: MethodBody}, true
	}
	return Match{}, false
}

// tagPattern compiles the tag-scanning pattern for a step. The step name is
// escaped and the engine runs in RE2 mode, so reply content can never smuggle
// in a backtracking pattern.
func tagPattern(stepName string) (*regexp2.Regexp, error) {
	escaped := regexp2.Escape(strings.ToUpper(strings.TrimSpace(stepName)))
	return regexp2.Compile(`\[`+escaped+`:([0-9]+)\]`, regexp2.RE2)
}

// firstEligible returns the 0-based rule index of the first tag occurrence in
// text that maps to an eligible rule. Out-of-range positions and rules
// excluded by the execution context are skipped as noise.
func firstEligible(pattern *regexp2.Regexp, text string, ruleList []workflow.Rule, evalContext Context) (int, bool) {
	if strings.TrimSpace(text) == "" {
		return 0, false
	}
	match, err := pattern.FindStringMatch(text)
	for err == nil && match != nil {
		position, convErr := strconv.Atoi(match.Groups()[1].String())
		if convErr == nil {
			index := position - 1
			if index >= 0 && index < len(ruleList) && eligible(ruleList[index], evalContext) {
				return index, true
			}
		}
		match, err = pattern.FindNextMatch(match)
	}
	return 0, false
}

// eligible reports whether a rule participates in the current context.
func eligible(rule workflow.Rule, evalContext Context) bool {
	return !rule.InteractiveOnly || evalContext.Interactive
}
