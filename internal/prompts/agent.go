package prompts

import "strings"

// Reasons a turn can end without a model answer. Transports and the API
// expose them verbatim.
const (
	ReasonLoopBudget       = "loop_budget_exceeded"
	ReasonMalformedOutput  = "malformed_model_output"
	ReasonModelUnavailable = "model_unavailable"
	ReasonDeadline         = "deadline_exceeded"
	ReasonCanceled         = "canceled"
)

// DegradedReply is the user-facing text for a turn that was aborted.
// Anything already in the basket is kept, so the text points there.
func DegradedReply(reason string) string {
	switch reason {
	case ReasonLoopBudget:
		return "This request needed more steps than I can take at once. I kept what I found so far; ask me to continue or narrow it down."
	case ReasonMalformedOutput:
		return "I got confused putting the basket together. What I found so far is kept; please try rephrasing."
	case ReasonModelUnavailable:
		return "The assistant is unavailable right now. Please try again in a minute."
	case ReasonDeadline:
		return "That took too long. I kept what I found so far; please try again."
	case ReasonCanceled:
		return "The request was cancelled before I finished. What I found so far is kept."
	}
	return "Something went wrong. Please try again."
}

// EmptyBasket is shown when a checkout is requested before anything was
// selected.
const EmptyBasket = "Nothing was selected yet, so there is no basket to check out."

// Busy is shown when a message arrives while the previous one is still
// being processed and the busy policy rejects it.
const Busy = "Wait, I am still processing your previous request."

// ResetDone confirms a /reset, /start or /new_chat command.
const ResetDone = "Started a new basket. What would you like to cook?"

// Greeting answers an empty message.
const Greeting = "How can I help?"

// MalformedFeedback is returned to the model as a tool error when its
// output could not be understood.
func MalformedFeedback(problem string) string {
	var sb strings.Builder
	sb.WriteString("Your last response could not be processed")
	if problem != "" {
		sb.WriteString(": ")
		sb.WriteString(problem)
	}
	sb.WriteString(". Call tools through the tool interface with JSON object arguments, or answer the user in plain text.")
	return sb.String()
}

// ProgressText is the short status shown while a tool runs.
func ProgressText(tool string) string {
	switch {
	case strings.Contains(tool, "search"):
		return "Searching products..."
	case strings.Contains(tool, "basket"):
		return "Assembling the basket..."
	}
	return "Working..."
}
