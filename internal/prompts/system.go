package prompts

import (
	"fmt"
	"strings"
	"time"
)

// baseSystemTemplate is the default assistant persona. The format verb is
// the current date and time.
const baseSystemTemplate = `You are Parley, a helpful assistant with long-term memory.

The current date and time is %s.

## Tools
Use tools when the user asks you to look something up, remember
something, or forget something. Do not use tools for greetings or small
talk; answer directly.

- remember_fact: store a stable fact the user tells you about themselves,
  the people in their life, their projects, routines, or preferences.
- recall_facts: look up what you already know.
- forget_fact: remove a fact the user asks you to forget.

## Rules
- If a tool returns a result starting with "Error", read it, adjust, and
  try again or explain the problem.
- Keep answers concise.`

// SystemPrompt assembles the system prompt for one turn: the instructions
// (or persona when non-empty), then the optional profile facts block and
// the optional retrieved-memory block.
func SystemPrompt(persona, profile, retrieved string, now time.Time) string {
	var sb strings.Builder
	if persona != "" {
		sb.WriteString(strings.TrimSpace(persona))
		fmt.Fprintf(&sb, "\n\nThe current date and time is %s.", formatNow(now))
	} else {
		fmt.Fprintf(&sb, baseSystemTemplate, formatNow(now))
	}

	if profile != "" {
		sb.WriteString("\n\n## What You Know About the User\n")
		sb.WriteString(profile)
	}
	if retrieved != "" {
		sb.WriteString("\n\n## Relevant Memories\n")
		sb.WriteString(retrieved)
	}
	return sb.String()
}

func formatNow(now time.Time) string {
	return now.Format("Monday, January 2, 2006 15:04 MST")
}
