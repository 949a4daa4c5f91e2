package interfaces

import (
	"context"
	"encoding/json"
)

// Tier identifies a completion capability class, not a vendor model name.
// The gateway maps tiers to concrete models at startup.
type Tier string

const (
	// TierHaiku is the fast default for routine extraction and summaries
	TierHaiku Tier = "haiku"

	// TierSonnet is the balanced tier for editing and rewriting
	TierSonnet Tier = "sonnet"

	// TierSonnet1M is the large-context variant used when a request exceeds
	// the standard safe limit
	TierSonnet1M Tier = "sonnet_1m"

	// TierOpus is the deep-reasoning tier, opt-in for analytical phases
	TierOpus Tier = "opus"

	// TierDeepSeekV3 is the low-cost external tier for bulk text work
	TierDeepSeekV3 Tier = "deepseek_v3"
)

// SafeTokenLimit returns the request-token ceiling the gateway enforces
// before a call is attempted on this tier. Ninety percent of this value is
// the agent-loop pre-flight threshold.
func (t Tier) SafeTokenLimit() int {
	switch t {
	case TierSonnet1M:
		return 900000
	case TierDeepSeekV3:
		return 57000
	default:
		return 180000
	}
}

// Validatable is implemented by every structured-output schema. The gateway
// refuses to return an instance that fails its own validation.
type Validatable interface {
	Validate() error
}

// Message represents a single message in a conversation
type Message struct {
	// Role identifies the message sender: "user", "assistant", or "system"
	Role string

	// Content contains the text content of the message
	Content string
}

// TokenUsage reports what a call consumed
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CompletionOptions tune a single call. The zero value asks for gateway
// defaults.
type CompletionOptions struct {
	Tier           Tier
	MaxTokens      int
	Temperature    *float32 // nil means provider default
	ThinkingBudget int      // Non-zero enables extended thinking where the tier supports it
	MaxRetries     int      // Schema-validation retries; 0 means gateway default (2)
	UseJSONSchema  bool     // Request structured output via JSON-schema coercion instead of tool-use
	CachedSystem   bool     // Mark the system prompt as a cacheable prefix
	RunID          string   // Attributed in the audit log
}

// CompletionRequest is a plain text-in, text-out call
type CompletionRequest struct {
	System   string
	Messages []Message
	Options  CompletionOptions
}

// CompletionResult carries the assistant text plus any extended-thinking
// content and usage accounting
type CompletionResult struct {
	Content  string
	Thinking string
	Usage    TokenUsage
}

// StructuredRequest is one prompt in a structured-output call, keyed by a
// caller-chosen id so batch results can be correlated
type StructuredRequest struct {
	ID     string
	System string
	Prompt string
}

// StructuredOutcome is the per-id result of a structured batch: either a
// schema instance (already validated) or an error, never both
type StructuredOutcome struct {
	Value Validatable
	Err   error
}

// ToolHandler executes one tool call. The returned string is handed back to
// the model verbatim as the tool result.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// Tool binds a name and schema to an executable handler for agent loops.
// InputSchema is a struct prototype reflected into JSON schema.
type Tool struct {
	Name        string
	Description string
	InputSchema interface{}
	Handler     ToolHandler
}

// AgentBudget is the two-dimensional spend limit of a tool loop. When either
// dimension is exhausted the loop forces the model to submit.
type AgentBudget struct {
	MaxToolCalls   int
	MaxTotalChars  int
	ToolCallsMade  int
	CharsRetrieved int
}

// Exhausted reports whether either budget dimension is spent
func (b *AgentBudget) Exhausted() bool {
	return b.ToolCallsMade >= b.MaxToolCalls || b.CharsRetrieved >= b.MaxTotalChars
}

// Charge records one tool call returning n chars
func (b *AgentBudget) Charge(chars int) {
	b.ToolCallsMade++
	b.CharsRetrieved += chars
}

// AgentRequest drives a tool-using agent loop. The output schema is wrapped
// as a sentinel submit tool; calling it terminates the loop.
type AgentRequest struct {
	System   string
	Messages []Message
	Tools    []Tool
	Budget   AgentBudget
	Options  CompletionOptions
}

// LLMService is the completion gateway. Implementations map tiers to
// providers, enforce token budgets, retry schema failures, and audit every
// call.
type LLMService interface {
	// Complete runs a plain completion on the requested tier
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

	// GetStructuredOutput runs one prompt and unmarshals the model's answer
	// into out, retrying on schema-validation failure with the last failure
	// reason appended to the prompt. out must be a pointer.
	GetStructuredOutput(ctx context.Context, req StructuredRequest, out Validatable, opts CompletionOptions) error

	// GetStructuredOutputBatch runs many prompts against one schema. When
	// the batch is large enough and batching is enabled, the provider batch
	// endpoint is used; callers are agnostic. newOut allocates one schema
	// instance per request. Every request id appears in the result map.
	GetStructuredOutputBatch(ctx context.Context, requests []StructuredRequest, newOut func() Validatable, opts CompletionOptions) (map[string]StructuredOutcome, error)

	// RunToolAgent runs the tool loop until the model submits a valid
	// result into out or the budget forces a fallback structured call
	RunToolAgent(ctx context.Context, req AgentRequest, out Validatable) error

	// EstimateTokens counts request tokens without calling a provider
	EstimateTokens(text string) int

	// SelectTier applies the upgrade policy: estimates above the haiku safe
	// limit move to the large-context tier
	SelectTier(estimatedTokens int, preferred Tier) Tier

	// HealthCheck verifies the primary provider is reachable
	HealthCheck(ctx context.Context) error

	// Close releases provider clients
	Close() error
}
