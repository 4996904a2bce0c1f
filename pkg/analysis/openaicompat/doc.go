// Package openaicompat implements an analysis.Analyzer on top of any
// OpenAI-compatible Chat Completions backend (vLLM, LiteLLM, OpenAI).
// Image captures are sent as image_url content parts referencing the
// artifact URI, and the model is asked to reply with a JSON object of
// the form {"confidence": 0.93, "fields": {...}}.
package openaicompat
