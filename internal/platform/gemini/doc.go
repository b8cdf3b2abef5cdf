// Package gemini implements generation.Generator on top of Google's Gemini API.
//
// It is an infrastructure adapter: it renders prompts from text templates,
// asks the model for JSON constrained by a response schema, and hands the
// result to generation.ParseRecipe. Transport failures that look temporary
// are retried with exponential backoff and jitter; blocked content and
// malformed responses are returned immediately.
//
// Requests are paced by a token-bucket limiter so a busy worker fleet stays
// under the account's requests-per-minute quota.
package gemini
