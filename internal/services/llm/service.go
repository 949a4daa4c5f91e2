// -----------------------------------------------------------------------
// Last Modified: Friday, 13th February 2026 11:52:08 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/thala-research/thala/internal/common"
	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// context1MBetaHeader opts a request into the extended context window
const context1MBetaHeader = "context-1m-2025-08-07"

// Service is the completion gateway. It maps capability tiers to concrete
// provider models, enforces token budgets, retries transient failures, and
// audits every outbound call.
type Service struct {
	claude      *common.ClaudeConfig
	deepseekCfg *common.DeepSeekConfig
	llmCfg      *common.LLMConfig
	logger      arbor.ILogger

	anthropic anthropic.Client
	deepseek  openai.Client
	hasDeep   bool

	limiter      *rate.Limiter
	auditStore   interfaces.AuditStorage
	timeout      time.Duration
	batchPoll    time.Duration
	batchTimeout time.Duration
	maxTokens    int
}

// NewService creates the gateway. The Anthropic key is required; the
// DeepSeek tier is disabled with a warning when its key is absent. audit may
// be nil, in which case calls are not persisted.
func NewService(logger arbor.ILogger, config *common.Config, audit interfaces.AuditStorage) (*Service, error) {
	apiKey, err := common.ResolveAPIKey("anthropic_api_key", config.Claude.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API key is required for the gateway (set ANTHROPIC_API_KEY or claude.api_key): %w", err)
	}

	service := &Service{
		claude:       &config.Claude,
		deepseekCfg:  &config.DeepSeek,
		llmCfg:       &config.LLM,
		logger:       logger,
		anthropic:    anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		auditStore:   audit,
		timeout:      common.ParseDurationOr(config.Claude.Timeout, 5*time.Minute),
		batchPoll:    common.ParseDurationOr(config.Claude.BatchPollInterval, 30*time.Second),
		batchTimeout: common.ParseDurationOr(config.Claude.BatchTimeout, 24*time.Hour),
		maxTokens:    config.Claude.MaxTokens,
	}
	if service.maxTokens <= 0 {
		service.maxTokens = 8192
	}

	rateLimit := common.ParseDurationOr(config.Claude.RateLimit, time.Second)
	service.limiter = rate.NewLimiter(rate.Every(rateLimit), 1)

	if deepKey, err := common.ResolveAPIKey("deepseek_api_key", config.DeepSeek.APIKey); err == nil {
		baseURL := config.DeepSeek.BaseURL
		if baseURL == "" {
			baseURL = "https://api.deepseek.com"
		}
		service.deepseek = openai.NewClient(
			openaioption.WithAPIKey(deepKey),
			openaioption.WithBaseURL(baseURL),
		)
		service.hasDeep = true
	} else {
		logger.Warn().Msg("DeepSeek API key not configured, deepseek_v3 tier disabled")
	}

	logger.Debug().
		Str("haiku_model", config.Claude.HaikuModel).
		Str("sonnet_model", config.Claude.SonnetModel).
		Str("opus_model", config.Claude.OpusModel).
		Str("default_tier", config.LLM.DefaultTier).
		Dur("timeout", service.timeout).
		Msg("LLM gateway initialized")

	return service, nil
}

// Complete runs a plain completion on the requested tier
func (s *Service) Complete(ctx context.Context, req interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
	tier := s.resolveTier(req.Options.Tier)
	provider, model := s.modelForTier(tier)

	estimate := s.estimateRequest(req.System, req.Messages)
	if estimate > tier.SafeTokenLimit() {
		return nil, fmt.Errorf("%w: estimated %d tokens exceeds %s limit %d",
			interfaces.ErrTokenBudgetExceeded, estimate, tier, tier.SafeTokenLimit())
	}

	start := time.Now()
	var result *interfaces.CompletionResult
	var err error

	switch provider {
	case providerDeepSeek:
		result, err = s.completeDeepSeek(ctx, req.System, req.Messages, req.Options)
	default:
		result, err = s.completeClaude(ctx, tier, model, req.System, req.Messages, req.Options)
	}

	s.recordCall(req.Options.RunID, provider, model, tier, "complete", result, time.Since(start), err)
	return result, err
}

// completeClaude performs one Anthropic messages call with transport retry
func (s *Service) completeClaude(ctx context.Context, tier interfaces.Tier, model, system string, messages []interfaces.Message, opts interfaces.CompletionOptions) (*interfaces.CompletionResult, error) {
	params, err := s.buildClaudeParams(model, system, messages, opts)
	if err != nil {
		return nil, err
	}

	resp, err := s.callClaude(ctx, tier, params)
	if err != nil {
		return nil, err
	}
	return claudeResult(resp), nil
}

// buildClaudeParams assembles provider parameters from gateway messages
func (s *Service) buildClaudeParams(model, system string, messages []interfaces.Message, opts interfaces.CompletionOptions) (anthropic.MessageNewParams, error) {
	claudeMessages, inlineSystem, err := convertMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if system == "" {
		system = inlineSystem
	}
	return s.newMessageParams(model, system, claudeMessages, opts), nil
}

// newMessageParams applies gateway options to a provider request
func (s *Service) newMessageParams(model, system string, messages []anthropic.MessageParam, opts interfaces.CompletionOptions) anthropic.MessageNewParams {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if system != "" {
		systemBlock := anthropic.TextBlockParam{Text: system}
		if opts.CachedSystem {
			systemBlock.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{systemBlock}
	}

	if opts.ThinkingBudget > 0 {
		// Extended thinking forbids a custom temperature and requires
		// headroom above the thinking budget
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(opts.ThinkingBudget))
		if int(params.MaxTokens) <= opts.ThinkingBudget {
			params.MaxTokens = int64(opts.ThinkingBudget + s.maxTokens)
		}
	} else {
		temperature := s.claude.Temperature
		if opts.Temperature != nil {
			temperature = *opts.Temperature
		}
		if temperature > 0 {
			params.Temperature = anthropic.Float(float64(temperature))
		}
	}

	return params
}

// callClaude issues the request with rate limiting and backoff retry
// on transient provider failures
func (s *Service) callClaude(ctx context.Context, tier interfaces.Tier, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var callOpts []anthropicoption.RequestOption
	if tier == interfaces.TierSonnet1M {
		callOpts = append(callOpts, anthropicoption.WithHeaderAdd("anthropic-beta", context1MBetaHeader))
	}

	retryConfig := NewDefaultRetryConfig()
	var resp *anthropic.Message
	var apiErr error

	for attempt := 0; attempt <= retryConfig.MaxRetries; attempt++ {
		if err := s.limiter.Wait(timeoutCtx); err != nil {
			return nil, err
		}

		resp, apiErr = s.anthropic.Messages.New(timeoutCtx, params, callOpts...)
		if apiErr == nil {
			return resp, nil
		}
		if !IsRetryableError(apiErr) || attempt == retryConfig.MaxRetries {
			break
		}

		backoff := time.Duration(attempt+1) * 2 * time.Second
		if IsRateLimitError(apiErr) {
			backoff = retryConfig.CalculateBackoff(attempt, ExtractRetryDelay(apiErr))
		}

		s.logger.Warn().
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(apiErr).
			Msg("Retrying Claude API call")

		select {
		case <-timeoutCtx.Done():
			return nil, timeoutCtx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("%w: claude call failed: %s", interfaces.ErrBackendUnavailable, apiErr.Error())
}

// completeDeepSeek routes a completion through the OpenAI-compatible
// DeepSeek endpoint
func (s *Service) completeDeepSeek(ctx context.Context, system string, messages []interfaces.Message, opts interfaces.CompletionOptions) (*interfaces.CompletionResult, error) {
	if !s.hasDeep {
		return nil, fmt.Errorf("%w: deepseek_v3 tier requested but DEEPSEEK_API_KEY is not configured", interfaces.ErrBackendUnavailable)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, common.ParseDurationOr(s.deepseekCfg.Timeout, 5*time.Minute))
	defer cancel()

	if err := s.limiter.Wait(timeoutCtx); err != nil {
		return nil, err
	}

	chatMessages := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		chatMessages = append(chatMessages, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			chatMessages = append(chatMessages, openai.AssistantMessage(msg.Content))
		case "system":
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.deepseekCfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(s.deepseekCfg.Model),
		Messages:  chatMessages,
		MaxTokens: openai.Int(int64(maxTokens)),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(float64(*opts.Temperature))
	}

	resp, err := s.deepseek.Chat.Completions.New(timeoutCtx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: deepseek call failed: %s", interfaces.ErrBackendUnavailable, err.Error())
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: deepseek returned no choices", interfaces.ErrBackendUnavailable)
	}

	return &interfaces.CompletionResult{
		Content: resp.Choices[0].Message.Content,
		Usage: interfaces.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// convertMessages converts gateway messages to provider format, hoisting the
// first system message out of the conversation
func convertMessages(messages []interfaces.Message) ([]anthropic.MessageParam, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("%w: messages cannot be empty", interfaces.ErrInvalidInput)
	}

	hasUser := false
	for _, msg := range messages {
		if msg.Role == "user" {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return nil, "", fmt.Errorf("%w: at least one message must have role 'user'", interfaces.ErrInvalidInput)
	}

	converted := make([]anthropic.MessageParam, 0, len(messages))
	var systemText string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemText == "" {
				systemText = msg.Content
			}
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return converted, systemText, nil
}

// claudeResult extracts text, thinking, and usage from a provider response
func claudeResult(resp *anthropic.Message) *interfaces.CompletionResult {
	var content, thinking strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(variant.Text)
		case anthropic.ThinkingBlock:
			thinking.WriteString(variant.Thinking)
		}
	}

	return &interfaces.CompletionResult{
		Content:  content.String(),
		Thinking: thinking.String(),
		Usage: interfaces.TokenUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

// estimateRequest approximates the token cost of a full request
func (s *Service) estimateRequest(system string, messages []interfaces.Message) int {
	total := EstimateTokens(system)
	for _, msg := range messages {
		total += EstimateTokens(msg.Content) + 4
	}
	return total
}

// recordCall persists an audit entry; failures are logged and swallowed so
// auditing never blocks a completion
func (s *Service) recordCall(runID, provider, model string, tier interfaces.Tier, operation string, result *interfaces.CompletionResult, duration time.Duration, callErr error) {
	if s.auditStore == nil {
		return
	}

	record := &models.LLMCallRecord{
		RunID:      runID,
		Provider:   provider,
		Model:      model,
		Tier:       string(tier),
		Operation:  operation,
		Success:    callErr == nil,
		DurationMs: duration.Milliseconds(),
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}
	if result != nil {
		record.InputTokens = result.Usage.InputTokens
		record.OutputTokens = result.Usage.OutputTokens
	}

	if err := s.auditStore.RecordCall(context.Background(), record); err != nil {
		s.logger.Warn().Err(err).Str("operation", operation).Msg("Failed to record gateway audit entry")
	}
}

// HealthCheck verifies the primary provider with a minimal probe
func (s *Service) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, model := s.modelForTier(interfaces.TierHaiku)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	}

	resp, err := s.anthropic.Messages.New(probeCtx, params)
	if err != nil {
		return fmt.Errorf("gateway health probe failed: %w", err)
	}
	if len(resp.Content) == 0 {
		return fmt.Errorf("gateway health probe returned empty response")
	}
	return nil
}

// Close releases provider clients
func (s *Service) Close() error {
	s.logger.Debug().Msg("Closing LLM gateway")
	s.anthropic = anthropic.Client{}
	s.deepseek = openai.Client{}
	s.hasDeep = false
	return nil
}
