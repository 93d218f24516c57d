// Package prompts contains the LLM prompt templates Parley uses.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be checked by
// tests. User-facing configuration lives in config.yaml; this package holds
// the instructions sent to models.
//
// Each prompt gets its own file with an exported function that accepts
// the dynamic parts and returns the fully interpolated prompt string.
package prompts
