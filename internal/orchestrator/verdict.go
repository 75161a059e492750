package orchestrator

// Verdict is the outcome a verify command reports.
type Verdict string

const (
	VerdictPassed     Verdict = "passed"
	VerdictGapsFound  Verdict = "gaps_found"
	VerdictHumanNeeded Verdict = "human_needed"
)

// classifyVerdict maps the verify command's raw result text onto one of
// the three known verdicts. The exact strings are a contract with the
// agent's prompt templates (spec open question (a)): anything else,
// including an empty string, falls back to human_needed so an
// unrecognized outcome always routes to a person rather than silently
// passing or silently looping.
func classifyVerdict(resultText string) Verdict {
	switch Verdict(resultText) {
	case VerdictPassed:
		return VerdictPassed
	case VerdictGapsFound:
		return VerdictGapsFound
	default:
		return VerdictHumanNeeded
	}
}
