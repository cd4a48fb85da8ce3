package agent

import (
	"fmt"
	"strings"
)

// SystemFileName is the identity document every project checkout carries.
// It is read once per work unit and prepended to COMMS.md to form the
// system prompt. The supervisor never edits it.
const SystemFileName = "SYSTEM.md"

// Markers the model uses to end a work unit. Scanned in plain response
// content, never in tool calls.
const (
	MarkerComplete = "[CONTRACT COMPLETE]"
	MarkerFailed   = "[CONTRACT FAILED]"
)

// continuationInstruction is the fixed human turn that opens every work
// unit. Everything situational reaches the model through SYSTEM.md,
// COMMS.md, and tool results, never through this string.
const continuationInstruction = "Continue working toward the current directives. " +
	"Inspect and change the project with your tools, record progress in COMMS.md, " +
	"and end this work unit with " + MarkerComplete + " or " + MarkerFailed + "."

// directiveUpdateNote prefixes fresh operator directives injected into a
// running conversation.
const directiveUpdateNote = "The operator updated the directives. Current directives:\n\n"

// validationInstruction opens the single model-judged validation unit a
// freshly bootstrapped branch runs when no validate_command is configured.
func validationInstruction(branch string) string {
	return fmt.Sprintf("You were just relaunched from branch %q to validate it before it is merged. "+
		"Inspect the checkout and run whatever checks prove the new version works. "+
		"Deploy tools are disabled. Answer with %s if the branch is sound, or %s if it must be abandoned.",
		branch, MarkerComplete, MarkerFailed)
}

// composePrompt builds the system prompt: SYSTEM.md verbatim, then COMMS.md
// verbatim.
func composePrompt(systemDoc, commsDoc string) string {
	return strings.TrimRight(systemDoc, "\n") + "\n\n" + strings.TrimRight(commsDoc, "\n") + "\n"
}

// markerSummary returns the assistant text around a terminal marker,
// condensed for a COMMS report.
func markerSummary(content, marker string) string {
	s := strings.TrimSpace(strings.Replace(content, marker, "", 1))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "(no summary)"
	}
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
