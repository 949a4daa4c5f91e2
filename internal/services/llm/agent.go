// -----------------------------------------------------------------------
// Last Modified: Friday, 13th February 2026 4:21:45 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/thala-research/thala/internal/interfaces"
)

// maxMessageHistory caps the conversation length fed back to the provider.
// Older tool exchanges beyond this are dropped whole.
const maxMessageHistory = 20

// defaultAgentChars is the retrieval budget when callers do not size one
const defaultAgentChars = 100000

const forcedSubmitPrompt = "The context budget is nearly spent. Call " + structuredToolName +
	" now with your best final answer. Do not call any other tool."

const terminalSubmitPrompt = "The tool budget is exhausted. Call " + structuredToolName +
	" now with your final answer based on what you have gathered. Do not call any other tool."

// RunToolAgent runs the tool loop until the model submits a valid result
// into out or the budget forces a fallback structured call.
func (s *Service) RunToolAgent(ctx context.Context, req interfaces.AgentRequest, out interfaces.Validatable) error {
	tier := s.resolveTier(req.Options.Tier)
	provider, model := s.modelForTier(tier)
	if provider != providerAnthropic {
		return fmt.Errorf("%w: tool agent loops require an anthropic tier, got %s", interfaces.ErrInvalidInput, tier)
	}

	budget := req.Budget
	if budget.MaxToolCalls <= 0 {
		budget.MaxToolCalls = s.llmCfg.AgentCallBudget
	}
	if budget.MaxToolCalls <= 0 {
		budget.MaxToolCalls = 10
	}
	if budget.MaxTotalChars <= 0 {
		budget.MaxTotalChars = defaultAgentChars
	}

	toolParams, handlers, err := buildAgentTools(req.Tools, out)
	if err != nil {
		return err
	}

	messages, inlineSystem, err := convertMessages(req.Messages)
	if err != nil {
		return err
	}
	system := req.System
	if system == "" {
		system = inlineSystem
	}

	// Each tool call costs one round trip, plus headroom for rejected
	// submits and the terminal exchange
	maxIterations := budget.MaxToolCalls*2 + 4

	forceSubmit := false
	nudged := false
	for iteration := 0; iteration < maxIterations; iteration++ {
		messages = pruneExchanges(messages, maxMessageHistory)

		if !forceSubmit && s.estimateConversation(system, messages) > tier.SafeTokenLimit()*9/10 {
			s.logger.Warn().
				Int("iteration", iteration).
				Str("tier", string(tier)).
				Msg("Agent conversation near token limit, forcing submit")
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(forcedSubmitPrompt)))
			forceSubmit = true
		}

		params := s.newMessageParams(model, system, messages, req.Options)
		params.Tools = toolParams
		if forceSubmit && req.Options.ThinkingBudget <= 0 {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: structuredToolName}}
		}

		start := time.Now()
		resp, err := s.callClaude(ctx, tier, params)
		s.recordCall(req.Options.RunID, providerAnthropic, model, tier, "agent", safeClaudeResult(resp), time.Since(start), err)
		if err != nil {
			return err
		}

		if resp.StopReason != anthropic.StopReasonToolUse {
			// Model answered in prose instead of submitting
			if forceSubmit || nudged {
				break
			}
			nudged = true
			messages = append(messages, resp.ToParam())
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Call "+structuredToolName+" with your final answer.")))
			continue
		}

		var resultBlocks []anthropic.ContentBlockParamUnion
		submitted := false
		for _, block := range resp.Content {
			toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
			if !ok {
				continue
			}

			if toolUse.Name == structuredToolName {
				if err := decodeInto([]byte(toolUse.Input), out); err != nil {
					s.logger.Warn().Err(err).Msg("Agent submit rejected")
					resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(toolUse.ID,
						"Rejected: "+err.Error()+". Call "+structuredToolName+" again with corrected arguments.", true))
					continue
				}
				submitted = true
				break
			}

			output, isError := s.dispatchTool(ctx, handlers, toolUse)
			budget.Charge(len(output))
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(toolUse.ID, output, isError))
		}

		if submitted {
			return nil
		}

		messages = append(messages, resp.ToParam())
		if len(resultBlocks) > 0 {
			messages = append(messages, anthropic.NewUserMessage(resultBlocks...))
		}

		if budget.Exhausted() && !forceSubmit {
			s.logger.Debug().
				Int("tool_calls", budget.ToolCallsMade).
				Int("chars_retrieved", budget.CharsRetrieved).
				Msg("Agent budget exhausted, forcing submit")
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(terminalSubmitPrompt)))
			forceSubmit = true
		}
	}

	// The loop ended without a valid submit: one direct structured call on
	// the conversation so far, then a typed failure
	fallback := interfaces.StructuredRequest{
		ID:     "agent-fallback",
		System: system,
		Prompt: flattenConversation(messages) + "\n\nProduce the final structured result for the conversation above.",
	}
	fallbackOpts := req.Options
	fallbackOpts.MaxRetries = 2

	if err := s.GetStructuredOutput(ctx, fallback, out, fallbackOpts); err != nil {
		return fmt.Errorf("%w: agent loop ended without a valid submit: %v", interfaces.ErrStructuredOutputFailure, err)
	}
	return nil
}

// dispatchTool executes one bound tool; failures become error results the
// model can react to rather than loop aborts
func (s *Service) dispatchTool(ctx context.Context, handlers map[string]interfaces.ToolHandler, call anthropic.ToolUseBlock) (string, bool) {
	handler, ok := handlers[call.Name]
	if !ok {
		return fmt.Sprintf("Unknown tool %q.", call.Name), true
	}

	start := time.Now()
	output, err := handler(ctx, call.Input)
	if err != nil {
		s.logger.Warn().
			Str("tool", call.Name).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("Agent tool failed")
		return "Tool failed: " + err.Error(), true
	}

	s.logger.Debug().
		Str("tool", call.Name).
		Int("result_chars", len(output)).
		Dur("duration", time.Since(start)).
		Msg("Agent tool executed")
	return output, false
}

// buildAgentTools reflects every bound tool plus the submit sentinel into
// provider tool definitions
func buildAgentTools(tools []interfaces.Tool, out interfaces.Validatable) ([]anthropic.ToolUnionParam, map[string]interfaces.ToolHandler, error) {
	params := make([]anthropic.ToolUnionParam, 0, len(tools)+1)
	handlers := make(map[string]interfaces.ToolHandler, len(tools))

	for _, tool := range tools {
		if tool.Name == structuredToolName {
			return nil, nil, fmt.Errorf("%w: tool name %q is reserved", interfaces.ErrInvalidInput, structuredToolName)
		}

		properties, required, err := toolInputSchema(tool.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		}
		params = append(params, anthropic.ToolUnionParam{OfTool: &toolParam})
		handlers[tool.Name] = tool.Handler
	}

	submitTool, err := submitToolParam(out)
	if err != nil {
		return nil, nil, err
	}
	params = append(params, anthropic.ToolUnionParam{OfTool: &submitTool})

	return params, handlers, nil
}

// pruneExchanges keeps the first user message and drops the oldest whole
// tool exchanges until the conversation fits. An exchange starts at an
// assistant message and carries every following message up to the next
// assistant message, so tool-use blocks and their results are never split.
func pruneExchanges(messages []anthropic.MessageParam, max int) []anthropic.MessageParam {
	if len(messages) <= max {
		return messages
	}

	rest := messages[1:]

	type span struct{ start, end int }
	var groups []span
	i := 0
	for i < len(rest) {
		start := i
		i++
		for i < len(rest) && rest[i].Role != anthropic.MessageParamRoleAssistant {
			i++
		}
		groups = append(groups, span{start, i})
	}

	total := len(messages)
	dropUpTo := 0
	for _, group := range groups[:len(groups)-1] {
		if total <= max {
			break
		}
		total -= group.end - group.start
		dropUpTo = group.end
	}

	pruned := make([]anthropic.MessageParam, 0, 1+len(rest)-dropUpTo)
	pruned = append(pruned, messages[0])
	pruned = append(pruned, rest[dropUpTo:]...)
	return pruned
}

// estimateConversation approximates the token cost of the serialized
// conversation plus system prompt
func (s *Service) estimateConversation(system string, messages []anthropic.MessageParam) int {
	data, err := json.Marshal(messages)
	if err != nil {
		return EstimateTokens(system)
	}
	return EstimateTokens(system) + len(data)/4
}

// safeClaudeResult tolerates nil responses from failed calls
func safeClaudeResult(resp *anthropic.Message) *interfaces.CompletionResult {
	if resp == nil {
		return nil
	}
	return claudeResult(resp)
}

// flattenConversation renders the message list as a transcript for the
// fallback structured call
func flattenConversation(messages []anthropic.MessageParam) string {
	var sb strings.Builder
	for _, msg := range messages {
		role := string(msg.Role)
		for _, block := range msg.Content {
			switch {
			case block.OfText != nil:
				fmt.Fprintf(&sb, "[%s] %s\n", role, block.OfText.Text)
			case block.OfToolUse != nil:
				input, _ := json.Marshal(block.OfToolUse.Input)
				fmt.Fprintf(&sb, "[%s] called %s(%s)\n", role, block.OfToolUse.Name, string(input))
			case block.OfToolResult != nil:
				for _, content := range block.OfToolResult.Content {
					if content.OfText != nil {
						fmt.Fprintf(&sb, "[tool:%s] %s\n", block.OfToolResult.ToolUseID, content.OfText.Text)
					}
				}
			}
		}
	}
	return sb.String()
}
