package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thala-research/thala/internal/interfaces"
)

func userMsg(text string) anthropic.MessageParam {
	return anthropic.NewUserMessage(anthropic.NewTextBlock(text))
}

func assistantMsg(text string) anthropic.MessageParam {
	return anthropic.NewAssistantMessage(anthropic.NewTextBlock(text))
}

func textOf(msg anthropic.MessageParam) string {
	return msg.Content[0].OfText.Text
}

func TestPruneExchangesUnderLimit(t *testing.T) {
	messages := []anthropic.MessageParam{userMsg("task"), assistantMsg("a1"), userMsg("r1")}
	pruned := pruneExchanges(messages, 10)
	assert.Len(t, pruned, 3)
}

func TestPruneExchangesDropsOldestWhole(t *testing.T) {
	messages := []anthropic.MessageParam{
		userMsg("task"),
		assistantMsg("a1"), userMsg("r1"),
		assistantMsg("a2"), userMsg("r2"),
		assistantMsg("a3"), userMsg("r3"),
	}

	pruned := pruneExchanges(messages, 4)

	// The opening task message always survives; the oldest exchanges go first
	require.GreaterOrEqual(t, len(pruned), 3)
	assert.LessOrEqual(t, len(pruned), 4)
	assert.Equal(t, "task", textOf(pruned[0]))
	assert.Equal(t, "a3", textOf(pruned[len(pruned)-2]))
	assert.Equal(t, "r3", textOf(pruned[len(pruned)-1]))
}

func TestPruneExchangesNeverSplitsToolResults(t *testing.T) {
	// An exchange with two tool results must be dropped or kept as a unit
	messages := []anthropic.MessageParam{
		userMsg("task"),
		assistantMsg("a1"), userMsg("r1a"), userMsg("r1b"),
		assistantMsg("a2"), userMsg("r2"),
	}

	pruned := pruneExchanges(messages, 3)

	require.Len(t, pruned, 3)
	assert.Equal(t, "task", textOf(pruned[0]))
	assert.Equal(t, "a2", textOf(pruned[1]))
	assert.Equal(t, "r2", textOf(pruned[2]))
}

func TestPruneExchangesKeepsLastExchangeEvenWhenOversized(t *testing.T) {
	messages := []anthropic.MessageParam{
		userMsg("task"),
		assistantMsg("a1"), userMsg("r1"), userMsg("r2"), userMsg("r3"), userMsg("r4"),
	}

	// A single exchange cannot be split, even when it exceeds the cap
	pruned := pruneExchanges(messages, 3)
	assert.Len(t, pruned, 6)
}

func TestFlattenConversation(t *testing.T) {
	messages := []anthropic.MessageParam{
		userMsg("what is the answer"),
		{
			Role: anthropic.MessageParamRoleAssistant,
			Content: []anthropic.ContentBlockParamUnion{
				{OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    "toolu_1",
					Name:  "lookup",
					Input: map[string]interface{}{"q": "answer"},
				}},
			},
		},
		anthropic.NewUserMessage(anthropic.NewToolResultBlock("toolu_1", "the answer is 42", false)),
	}

	transcript := flattenConversation(messages)

	assert.Contains(t, transcript, "what is the answer")
	assert.Contains(t, transcript, "lookup")
	assert.Contains(t, transcript, "the answer is 42")
}

func TestBuildAgentToolsReservedName(t *testing.T) {
	_, _, err := buildAgentTools([]interfaces.Tool{
		{Name: structuredToolName, Description: "clash", InputSchema: &testVerdict{}},
	}, &testVerdict{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrInvalidInput))
}

func TestBuildAgentToolsAppendsSubmit(t *testing.T) {
	params, handlers, err := buildAgentTools([]interfaces.Tool{
		{
			Name:        "lookup",
			Description: "Look something up",
			InputSchema: &testVerdict{},
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				return "", nil
			},
		},
	}, &testVerdict{})
	require.NoError(t, err)

	require.Len(t, params, 2)
	assert.Equal(t, "lookup", params[0].OfTool.Name)
	assert.Equal(t, structuredToolName, params[1].OfTool.Name)

	assert.Contains(t, handlers, "lookup")
	assert.NotContains(t, handlers, structuredToolName)
}

func TestRunToolAgentSubmitsAfterToolCall(t *testing.T) {
	server, capture := newClaudeServer(t,
		toolUseMessage("toolu_1", "lookup", `{"query":"answer"}`),
		toolUseMessage("toolu_2", structuredToolName, `{"answer":"42"}`))
	service := newTestService(t, server.URL)

	var handlerInput string
	var out testVerdict
	err := service.RunToolAgent(context.Background(), interfaces.AgentRequest{
		System:   "Find the answer.",
		Messages: []interfaces.Message{{Role: "user", Content: "What is the answer?"}},
		Tools: []interfaces.Tool{{
			Name:        "lookup",
			Description: "Look up a fact",
			InputSchema: &testVerdict{},
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				handlerInput = string(input)
				return "the answer is 42", nil
			},
		}},
		Options: interfaces.CompletionOptions{Tier: interfaces.TierHaiku},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "42", out.Answer)
	assert.Contains(t, handlerInput, "answer")

	// The second request must answer the tool call with its result
	require.Equal(t, 2, capture.count())
	second := capture.request(1)
	assert.Contains(t, second, "tool_result")
	assert.Contains(t, second, "toolu_1")
	assert.Contains(t, second, "the answer is 42")
}

func TestRunToolAgentHandlesUnknownTool(t *testing.T) {
	server, capture := newClaudeServer(t,
		toolUseMessage("toolu_9", "missing", `{}`),
		toolUseMessage("toolu_2", structuredToolName, `{"answer":"recovered"}`))
	service := newTestService(t, server.URL)

	var out testVerdict
	err := service.RunToolAgent(context.Background(), interfaces.AgentRequest{
		Messages: []interfaces.Message{{Role: "user", Content: "Go"}},
		Options:  interfaces.CompletionOptions{Tier: interfaces.TierHaiku},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "recovered", out.Answer)
	require.Equal(t, 2, capture.count())
	second := capture.request(1)
	assert.Contains(t, second, "Unknown tool")
	assert.Contains(t, second, `"is_error":true`)
}

func TestRunToolAgentRejectsInvalidSubmit(t *testing.T) {
	server, capture := newClaudeServer(t,
		toolUseMessage("toolu_1", structuredToolName, `{"score":0.5}`),
		toolUseMessage("toolu_2", structuredToolName, `{"answer":"corrected"}`))
	service := newTestService(t, server.URL)

	var out testVerdict
	err := service.RunToolAgent(context.Background(), interfaces.AgentRequest{
		Messages: []interfaces.Message{{Role: "user", Content: "Go"}},
		Options:  interfaces.CompletionOptions{Tier: interfaces.TierHaiku},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "corrected", out.Answer)
	require.Equal(t, 2, capture.count())
	assert.Contains(t, capture.request(1), "Rejected:")
}

func TestRunToolAgentToolFailureFeedsBack(t *testing.T) {
	server, capture := newClaudeServer(t,
		toolUseMessage("toolu_1", "flaky", `{}`),
		toolUseMessage("toolu_2", structuredToolName, `{"answer":"despite failure"}`))
	service := newTestService(t, server.URL)

	var out testVerdict
	err := service.RunToolAgent(context.Background(), interfaces.AgentRequest{
		Messages: []interfaces.Message{{Role: "user", Content: "Go"}},
		Tools: []interfaces.Tool{{
			Name:        "flaky",
			Description: "Always fails",
			InputSchema: &testVerdict{},
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				return "", fmt.Errorf("backend exploded")
			},
		}},
		Options: interfaces.CompletionOptions{Tier: interfaces.TierHaiku},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "despite failure", out.Answer)
	require.Equal(t, 2, capture.count())
	second := capture.request(1)
	assert.Contains(t, second, "Tool failed: backend exploded")
	assert.Contains(t, second, `"is_error":true`)
}

func TestRunToolAgentRejectsNonAnthropicTier(t *testing.T) {
	service := newTestService(t, "http://localhost:0")

	var out testVerdict
	err := service.RunToolAgent(context.Background(), interfaces.AgentRequest{
		Messages: []interfaces.Message{{Role: "user", Content: "Go"}},
		Options:  interfaces.CompletionOptions{Tier: interfaces.TierDeepSeekV3},
	}, &out)

	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrInvalidInput))
}

func TestRunToolAgentFallsBackAfterProse(t *testing.T) {
	// The model never calls a tool: one nudge, then prose again, then the
	// loop falls back to a direct structured call which succeeds
	server, capture := newClaudeServer(t,
		textMessage("I think the answer is 42."),
		textMessage("Still just prose."),
		toolUseMessage("toolu_f", structuredToolName, `{"answer":"fallback"}`))
	service := newTestService(t, server.URL)

	var out testVerdict
	err := service.RunToolAgent(context.Background(), interfaces.AgentRequest{
		Messages: []interfaces.Message{{Role: "user", Content: "What is the answer?"}},
		Options:  interfaces.CompletionOptions{Tier: interfaces.TierHaiku},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "fallback", out.Answer)
	assert.Equal(t, 3, capture.count())
}
