package papers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/thala-research/thala/internal/interfaces"
)

// searchPapersArgs is the input schema of the search_papers tool
type searchPapersArgs struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=20"`
}

// getPaperContentArgs is the input schema of the get_paper_content tool.
// Exactly one of bib_key or doi identifies the paper.
type getPaperContentArgs struct {
	BibKey   string `json:"bib_key,omitempty"`
	DOI      string `json:"doi,omitempty"`
	MaxChars int    `json:"max_chars,omitempty" validate:"omitempty,min=1,max=20000"`
}

// Tools returns the agent bindings for the paper corpus. Handlers return
// JSON payloads; argument errors surface as tool errors the model can read
// and correct.
func (s *Service) Tools() []interfaces.Tool {
	validate := validator.New()

	return []interfaces.Tool{
		{
			Name:        "search_papers",
			Description: "Hybrid semantic and keyword search over the ingested paper corpus. Returns bib keys with titles, snippets and relevance scores.",
			InputSchema: searchPapersArgs{},
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args searchPapersArgs
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("invalid search_papers arguments: %w", err)
				}
				if err := validate.Struct(&args); err != nil {
					return "", fmt.Errorf("invalid search_papers arguments: %w", err)
				}
				results, err := s.SearchPapers(ctx, args.Query, args.Limit)
				if err != nil {
					return "", err
				}
				if len(results) == 0 {
					return `{"results": [], "note": "no papers matched the query"}`, nil
				}
				payload, err := json.Marshal(map[string]interface{}{"results": results})
				if err != nil {
					return "", err
				}
				return string(payload), nil
			},
		},
		{
			Name:        "get_paper_content",
			Description: "Fetch one paper's text by bib key or DOI. Serves the condensed summary when one exists, the original otherwise; content is truncated to the requested cap.",
			InputSchema: getPaperContentArgs{},
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args getPaperContentArgs
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("invalid get_paper_content arguments: %w", err)
				}
				if err := validate.Struct(&args); err != nil {
					return "", fmt.Errorf("invalid get_paper_content arguments: %w", err)
				}
				ref := args.BibKey
				if ref == "" {
					ref = args.DOI
				}
				if ref == "" {
					return "", fmt.Errorf("either bib_key or doi is required")
				}
				content, err := s.GetPaperContent(ctx, ref, args.MaxChars)
				if err != nil {
					return "", err
				}
				payload, err := json.Marshal(content)
				if err != nil {
					return "", err
				}
				return string(payload), nil
			},
		},
	}
}
