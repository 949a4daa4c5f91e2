package interfaces

import (
	"context"

	"github.com/thala-research/thala/internal/models"
)

// TranslationService is the client of the local metadata translation server.
// Given a URL or identifier it returns bibliographic items the server
// scraped from the source.
type TranslationService interface {
	// TranslateURL resolves a web URL into zero or more bibliographic items
	TranslateURL(ctx context.Context, url string) ([]*models.BibItem, error)

	// TranslateIdentifier resolves a DOI/ISBN/PMID into bibliographic items
	TranslateIdentifier(ctx context.Context, identifier string) ([]*models.BibItem, error)
}
