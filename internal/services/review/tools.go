package review

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/thala-research/thala/internal/interfaces"
)

type factCheckArgs struct {
	Query      string `json:"query" validate:"required"`
	MaxResults int    `json:"max_results,omitempty" validate:"omitempty,min=1,max=10"`
}

// agentTools binds the paper-corpus tools, plus web fact-check when a search
// provider is configured
func (s *Service) agentTools() []interfaces.Tool {
	tools := s.papers.Tools()
	if s.websearch != nil {
		tools = append(tools, s.factCheckTool())
	}
	return tools
}

// paperTools binds the corpus tools only, for agents that must stay inside
// the ingested literature
func (s *Service) paperTools() []interfaces.Tool {
	return s.papers.Tools()
}

func (s *Service) factCheckTool() interfaces.Tool {
	validate := validator.New()
	return interfaces.Tool{
		Name:        "web_fact_check",
		Description: "Search the live web to verify a factual claim. Returns result titles, URLs, and snippets.",
		InputSchema: factCheckArgs{},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args factCheckArgs
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if err := validate.Struct(&args); err != nil {
				return "", err
			}
			limit := args.MaxResults
			if limit <= 0 {
				limit = 5
			}
			results, err := s.websearch.Search(ctx, args.Query, limit, nil)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return `{"results": [], "note": "no search results for the claim"}`, nil
			}
			payload, err := json.Marshal(map[string]interface{}{"results": results})
			if err != nil {
				return "", err
			}
			return string(payload), nil
		},
	}
}

func agentBudget() interfaces.AgentBudget {
	return interfaces.AgentBudget{
		MaxToolCalls:  agentMaxToolCalls,
		MaxTotalChars: agentMaxTotalChars,
	}
}
