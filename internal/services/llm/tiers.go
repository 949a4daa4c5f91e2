package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/thala-research/thala/internal/interfaces"
)

// providerAnthropic and providerDeepSeek tag audit records and errors with
// the backend a tier resolved to
const (
	providerAnthropic = "anthropic"
	providerDeepSeek  = "deepseek"
)

// modelForTier maps a capability tier to the provider and concrete model
// configured for it. Unknown tiers fall back to the balanced tier.
func (s *Service) modelForTier(tier interfaces.Tier) (string, string) {
	switch tier {
	case interfaces.TierHaiku:
		return providerAnthropic, s.claude.HaikuModel
	case interfaces.TierSonnet, interfaces.TierSonnet1M:
		return providerAnthropic, s.claude.SonnetModel
	case interfaces.TierOpus:
		return providerAnthropic, s.claude.OpusModel
	case interfaces.TierDeepSeekV3:
		return providerDeepSeek, s.deepseekCfg.Model
	default:
		return providerAnthropic, s.claude.SonnetModel
	}
}

// resolveTier fills in the configured default when a caller leaves the tier
// unset
func (s *Service) resolveTier(tier interfaces.Tier) interfaces.Tier {
	if tier != "" {
		return tier
	}
	if s.llmCfg.DefaultTier != "" {
		return interfaces.Tier(s.llmCfg.DefaultTier)
	}
	return interfaces.TierSonnet
}

// SelectTier applies the upgrade policy: any estimate above the preferred
// tier's safe limit moves to the large-context tier. Requests that fit stay
// where the caller asked.
func (s *Service) SelectTier(estimatedTokens int, preferred interfaces.Tier) interfaces.Tier {
	tier := s.resolveTier(preferred)
	if tier == interfaces.TierSonnet1M {
		return tier
	}
	if estimatedTokens > tier.SafeTokenLimit() {
		return interfaces.TierSonnet1M
	}
	return tier
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding. When the
// encoding cannot be loaded (offline environments) it falls back to the
// chars/4 heuristic, which over-counts slightly and is therefore safe for
// budget checks.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// EstimateTokens implements the gateway contract
func (s *Service) EstimateTokens(text string) int {
	return EstimateTokens(text)
}
