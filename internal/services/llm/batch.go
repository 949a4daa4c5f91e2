package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/thala-research/thala/internal/interfaces"
)

// runProviderBatch submits the whole group as one provider batch, polls
// until processing ends, and streams the per-id results. Entries that fail
// schema validation get one more pass through the singles path; provider
// errors are returned as-is.
func (s *Service) runProviderBatch(ctx context.Context, tier interfaces.Tier, requests []interfaces.StructuredRequest, newOut func() interfaces.Validatable, opts interfaces.CompletionOptions) (map[string]interfaces.StructuredOutcome, error) {
	_, model := s.modelForTier(tier)

	submitTool, err := submitToolParam(newOut())
	if err != nil {
		return nil, err
	}

	byID := make(map[string]interfaces.StructuredRequest, len(requests))
	batchRequests := make([]anthropic.MessageBatchNewParamsRequest, 0, len(requests))
	for _, req := range requests {
		if _, exists := byID[req.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate batch request id %q", interfaces.ErrInvalidInput, req.ID)
		}
		byID[req.ID] = req

		params, err := s.buildClaudeParams(model, req.System, []interfaces.Message{{Role: "user", Content: req.Prompt}}, opts)
		if err != nil {
			return nil, fmt.Errorf("batch request %s: %w", req.ID, err)
		}
		params.Tools = []anthropic.ToolUnionParam{{OfTool: &submitTool}}
		if opts.ThinkingBudget <= 0 {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: structuredToolName}}
		}

		batchRequests = append(batchRequests, anthropic.MessageBatchNewParamsRequest{
			CustomID: req.ID,
			Params:   params,
		})
	}

	start := time.Now()
	batch, err := s.anthropic.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: batchRequests})
	if err != nil {
		s.recordCall(opts.RunID, providerAnthropic, model, tier, "batch", nil, time.Since(start), err)
		return nil, fmt.Errorf("%w: batch submit failed: %s", interfaces.ErrBackendUnavailable, err.Error())
	}

	s.logger.Info().
		Str("batch_id", batch.ID).
		Int("request_count", len(requests)).
		Str("model", model).
		Msg("Provider batch submitted")

	if err := s.waitForBatch(ctx, batch.ID); err != nil {
		s.recordCall(opts.RunID, providerAnthropic, model, tier, "batch", nil, time.Since(start), err)
		return nil, err
	}

	outcomes := make(map[string]interfaces.StructuredOutcome, len(requests))
	aggregate := &interfaces.CompletionResult{}
	var retryIDs []string

	stream := s.anthropic.Messages.Batches.ResultsStreaming(ctx, batch.ID)
	for stream.Next() {
		entry := stream.Current()

		switch result := entry.Result.AsAny().(type) {
		case anthropic.MessageBatchSucceededResult:
			message := result.Message
			aggregate.Usage.InputTokens += message.Usage.InputTokens
			aggregate.Usage.OutputTokens += message.Usage.OutputTokens

			raw, ok := toolInput(&message, structuredToolName)
			if !ok {
				raw = []byte(extractJSON(claudeResult(&message).Content))
			}

			out := newOut()
			if err := decodeInto(raw, out); err != nil {
				retryIDs = append(retryIDs, entry.CustomID)
				outcomes[entry.CustomID] = interfaces.StructuredOutcome{Err: err}
			} else {
				outcomes[entry.CustomID] = interfaces.StructuredOutcome{Value: out}
			}

		case anthropic.MessageBatchErroredResult:
			outcomes[entry.CustomID] = interfaces.StructuredOutcome{
				Err: fmt.Errorf("%w: batch request failed: %s", interfaces.ErrBackendUnavailable, result.Error.RawJSON()),
			}

		case anthropic.MessageBatchCanceledResult:
			outcomes[entry.CustomID] = interfaces.StructuredOutcome{
				Err: fmt.Errorf("%w: batch request canceled", interfaces.ErrBackendUnavailable),
			}

		case anthropic.MessageBatchExpiredResult:
			outcomes[entry.CustomID] = interfaces.StructuredOutcome{
				Err: fmt.Errorf("%w: batch request expired", interfaces.ErrBackendUnavailable),
			}
		}
	}
	if err := stream.Err(); err != nil {
		s.recordCall(opts.RunID, providerAnthropic, model, tier, "batch", aggregate, time.Since(start), err)
		return nil, fmt.Errorf("%w: batch result stream failed: %s", interfaces.ErrBackendUnavailable, err.Error())
	}

	s.recordCall(opts.RunID, providerAnthropic, model, tier, "batch", aggregate, time.Since(start), nil)

	// Schema rejections get the singles re-ask treatment; the batch response
	// already counted as the first attempt
	for _, id := range retryIDs {
		req := byID[id]
		out := newOut()
		if err := s.GetStructuredOutput(ctx, req, out, opts); err != nil {
			outcomes[id] = interfaces.StructuredOutcome{Err: err}
		} else {
			outcomes[id] = interfaces.StructuredOutcome{Value: out}
		}
	}

	// The provider may drop ids entirely; callers rely on every id resolving
	for _, req := range requests {
		if _, ok := outcomes[req.ID]; !ok {
			outcomes[req.ID] = interfaces.StructuredOutcome{
				Err: fmt.Errorf("%w: batch result missing for request %s", interfaces.ErrBackendUnavailable, req.ID),
			}
		}
	}

	return outcomes, nil
}

// waitForBatch polls processing status until the batch ends or the
// configured wall-clock budget is spent
func (s *Service) waitForBatch(ctx context.Context, batchID string) error {
	deadline := time.Now().Add(s.batchTimeout)

	for {
		batch, err := s.anthropic.Messages.Batches.Get(ctx, batchID)
		if err != nil {
			return fmt.Errorf("%w: batch status check failed: %s", interfaces.ErrBackendUnavailable, err.Error())
		}
		if batch.ProcessingStatus == "ended" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: batch %s still %s after %s", interfaces.ErrBackendUnavailable, batchID, batch.ProcessingStatus, s.batchTimeout)
		}

		s.logger.Debug().
			Str("batch_id", batchID).
			Str("status", string(batch.ProcessingStatus)).
			Msg("Waiting for provider batch")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.batchPoll):
		}
	}
}
