package models

import "time"

// LLMCallRecord is one persisted audit entry for an outbound model call.
// Written fire-and-forget after every completion, structured-output, and
// embedding request so cost and failure patterns can be inspected per run.
type LLMCallRecord struct {
	// Core fields
	RunID     string `json:"run_id" badgerhold:"index"`
	Provider  string `json:"provider"` // anthropic, openai, deepseek, ollama, gemini
	Model     string `json:"model"`
	Tier      string `json:"tier,omitempty"`
	Operation string `json:"operation" badgerhold:"index"` // complete, structured, batch, agent, embed

	// Outcome
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	DurationMs   int64  `json:"duration_ms"`

	// FullTimestamp is UnixNano for accurate sorting
	FullTimestamp int64     `json:"full_timestamp" badgerhold:"index"`
	CreatedAt     time.Time `json:"created_at"`
}

// URLCacheEntry caches a resolved URL -> bibliographic key mapping so
// repeated citation runs skip the translation server entirely
type URLCacheEntry struct {
	URL       string    `json:"url" badgerhold:"index"` // Normalized URL
	Key       string    `json:"key"`                    // Bibliographic key the URL resolved to
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
