package prompts

import "fmt"

// factExtractionTemplate asks a model to pull durable facts out of one
// exchange. The format verbs are the user message, the assistant reply,
// and a recent transcript.
const factExtractionTemplate = `Extract noteworthy facts from this exchange that would be useful to
remember in future conversations. Look for:
- User preferences (schedules, units, communication style)
- Personal details the user shared (where they live, what they do)
- People in their life (names, relationships, pets)
- Projects they are working on and the tools they use
- Routines and habits

Valid categories: user, people, project, routine, preference

Return JSON only, in this shape:

{"worth_persisting": true, "facts": [
  {"category": "preference", "key": "units", "value": "Prefers metric units", "confidence": 0.9},
  {"category": "people", "key": "pet", "value": "Has a cat named Miso", "confidence": 0.8}
]}

If nothing is worth remembering:
{"worth_persisting": false, "facts": []}

User: %s
Assistant: %s

Recent context:
%s

JSON:`

// FactExtractionPrompt returns the interpolated fact extraction prompt.
func FactExtractionPrompt(userMsg, assistantResp, transcript string) string {
	return fmt.Sprintf(factExtractionTemplate, userMsg, assistantResp, transcript)
}
