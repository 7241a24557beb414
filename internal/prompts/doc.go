// Package prompts contains the prompt text sent to models by Atrium.
//
// Prompt text is Go code rather than config files because it is program
// logic: the stable part of the system prompt must be byte-identical from
// one request to the next for provider-side prompt caching, and tests
// pin that down.
//
// Convention: each prompt gets an exported function that accepts the
// dynamic parts and returns the fully interpolated string.
package prompts
