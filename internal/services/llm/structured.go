package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/thala-research/thala/internal/interfaces"
)

// structuredToolName is the sentinel tool the model calls to deliver a
// schema-conforming result
const structuredToolName = "submit_result"

// singlesConcurrency bounds the non-batch fan-out of grouped structured calls
const singlesConcurrency = 3

// GetStructuredOutput runs one prompt and decodes the answer into out,
// re-asking on schema failure with the rejection reason appended.
func (s *Service) GetStructuredOutput(ctx context.Context, req interfaces.StructuredRequest, out interfaces.Validatable, opts interfaces.CompletionOptions) error {
	tier := s.resolveTier(opts.Tier)
	provider, model := s.modelForTier(tier)

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.llmCfg.MaxRetries
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}

	// DeepSeek has no tool-use path in this gateway; it always takes the
	// schema-in-prompt route
	useJSONMethod := opts.UseJSONSchema || provider == providerDeepSeek

	prompt := req.Prompt
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		start := time.Now()

		var raw []byte
		var result *interfaces.CompletionResult
		var callErr error
		if useJSONMethod {
			raw, result, callErr = s.structuredViaJSON(ctx, provider, tier, model, req.System, prompt, out, opts)
		} else {
			raw, result, callErr = s.structuredViaTool(ctx, tier, model, req.System, prompt, out, opts)
		}
		s.recordCall(opts.RunID, provider, model, tier, "structured", result, time.Since(start), callErr)

		if callErr != nil {
			return callErr
		}

		if err := decodeInto(raw, out); err != nil {
			lastErr = err
			s.logger.Warn().
				Int("attempt", attempt+1).
				Str("request_id", req.ID).
				Err(err).
				Msg("Structured output rejected")
			prompt = req.Prompt + "\n\nYour previous answer was rejected: " + err.Error() +
				"\nAnswer again, following the schema exactly."
			continue
		}
		return nil
	}

	return fmt.Errorf("%w: no valid result after %d attempts: %v", interfaces.ErrStructuredOutputFailure, maxRetries+1, lastErr)
}

// structuredViaTool offers a single submit tool and forces the model to call
// it. Returns the raw tool input; transport failures are the only errors.
func (s *Service) structuredViaTool(ctx context.Context, tier interfaces.Tier, model, system, prompt string, out interfaces.Validatable, opts interfaces.CompletionOptions) ([]byte, *interfaces.CompletionResult, error) {
	params, err := s.buildClaudeParams(model, system, []interfaces.Message{{Role: "user", Content: prompt}}, opts)
	if err != nil {
		return nil, nil, err
	}

	submitTool, err := submitToolParam(out)
	if err != nil {
		return nil, nil, err
	}
	params.Tools = []anthropic.ToolUnionParam{{OfTool: &submitTool}}
	if opts.ThinkingBudget > 0 {
		// Forced tool choice is rejected when extended thinking is enabled
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	} else {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: structuredToolName}}
	}

	resp, err := s.callClaude(ctx, tier, params)
	if err != nil {
		return nil, nil, err
	}

	result := claudeResult(resp)
	if raw, ok := toolInput(resp, structuredToolName); ok {
		return raw, result, nil
	}

	// Some responses answer in plain text despite the offered tool; salvage
	// before the retry loop re-asks
	return []byte(extractJSON(result.Content)), result, nil
}

// structuredViaJSON injects the schema into the system prompt and parses the
// answer as strict JSON
func (s *Service) structuredViaJSON(ctx context.Context, provider string, tier interfaces.Tier, model, system, prompt string, out interfaces.Validatable, opts interfaces.CompletionOptions) ([]byte, *interfaces.CompletionResult, error) {
	schemaStr, err := schemaJSON(out)
	if err != nil {
		return nil, nil, err
	}

	systemWithSchema := system
	if systemWithSchema != "" {
		systemWithSchema += "\n\n"
	}
	systemWithSchema += "Respond with a single JSON object that conforms to this JSON schema:\n" +
		schemaStr + "\n\nReturn only the JSON object, no surrounding prose."

	messages := []interfaces.Message{{Role: "user", Content: prompt}}

	var result *interfaces.CompletionResult
	if provider == providerDeepSeek {
		result, err = s.completeDeepSeek(ctx, systemWithSchema, messages, opts)
	} else {
		result, err = s.completeClaude(ctx, tier, model, systemWithSchema, messages, opts)
	}
	if err != nil {
		return nil, nil, err
	}

	return []byte(extractJSON(result.Content)), result, nil
}

// submitToolParam builds the sentinel tool definition from a result prototype
func submitToolParam(out interfaces.Validatable) (anthropic.ToolParam, error) {
	properties, required, err := toolInputSchema(out)
	if err != nil {
		return anthropic.ToolParam{}, err
	}

	return anthropic.ToolParam{
		Name:        structuredToolName,
		Description: anthropic.String("Submit the final structured result. Arguments must match the schema exactly."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: properties,
			Required:   required,
		},
	}, nil
}

// toolInput returns the raw input of the first tool call with the given name
func toolInput(resp *anthropic.Message, name string) ([]byte, bool) {
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok && variant.Name == name {
			return []byte(variant.Input), true
		}
	}
	return nil, false
}

// GetStructuredOutputBatch runs many prompts against one schema. Large
// anthropic-bound groups use the provider batch endpoint; everything else
// fans out as bounded singles. Per-request failures never cancel peers, and
// every request id appears in the result map.
func (s *Service) GetStructuredOutputBatch(ctx context.Context, requests []interfaces.StructuredRequest, newOut func() interfaces.Validatable, opts interfaces.CompletionOptions) (map[string]interfaces.StructuredOutcome, error) {
	outcomes := make(map[string]interfaces.StructuredOutcome, len(requests))
	if len(requests) == 0 {
		return outcomes, nil
	}

	tier := s.resolveTier(opts.Tier)
	provider, _ := s.modelForTier(tier)

	threshold := s.llmCfg.BatchThreshold
	if threshold <= 0 {
		threshold = 5
	}

	if provider == providerAnthropic && !opts.UseJSONSchema && len(requests) >= threshold {
		return s.runProviderBatch(ctx, tier, requests, newOut, opts)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, singlesConcurrency)

	for _, req := range requests {
		wg.Add(1)
		go func(req interfaces.StructuredRequest) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				outcomes[req.ID] = interfaces.StructuredOutcome{Err: ctx.Err()}
				mu.Unlock()
				return
			}

			out := newOut()
			err := s.GetStructuredOutput(ctx, req, out, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes[req.ID] = interfaces.StructuredOutcome{Err: err}
			} else {
				outcomes[req.ID] = interfaces.StructuredOutcome{Value: out}
			}
		}(req)
	}

	wg.Wait()
	return outcomes, nil
}
