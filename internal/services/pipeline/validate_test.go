package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

func TestValidateContentSkipsWithoutSignals(t *testing.T) {
	fx := newFixture(t)
	state := &models.DocumentState{Markdown: "some content"}

	fx.processor.validateContent(context.Background(), fx.processor.logger, state)
	assert.False(t, state.Validation.Checked)

	state.Metadata = &models.DocumentMetadata{Title: "Only a title"}
	fx.processor.validateContent(context.Background(), fx.processor.logger, state)
	assert.False(t, state.Validation.Checked)
}

func TestValidateContentHeuristics(t *testing.T) {
	tests := []struct {
		name     string
		meta     models.DocumentMetadata
		content  string
		evidence string
	}{
		{
			name:     "isbn ignores hyphenation",
			meta:     models.DocumentMetadata{ISBN: "978-0-13-468599-1"},
			content:  "Copyright page. ISBN 9780134685991. All rights reserved.",
			evidence: "ISBN",
		},
		{
			name:     "author surname",
			meta:     models.DocumentMetadata{Authors: []string{"Frances Yates"}},
			content:  "In this study Yates traces the classical art of memory.",
			evidence: "surname",
		},
		{
			name:     "publication year",
			meta:     models.DocumentMetadata{Date: "March 1966"},
			content:  "First published 1966 by Routledge.",
			evidence: "year",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			state := &models.DocumentState{Markdown: tt.content, Metadata: &tt.meta}

			fx.processor.validateContent(context.Background(), fx.processor.logger, state)

			assert.True(t, state.Validation.Checked)
			assert.True(t, state.Validation.Matched)
			assert.False(t, state.Validation.Mismatch)
			assert.Equal(t, models.ValidationMethodHeuristic, state.Validation.Method)
			assert.Contains(t, state.Validation.Details, tt.evidence)
		})
	}
}

func TestValidateContentLLMFallback(t *testing.T) {
	fx := newFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if v, ok := out.(*models.MetadataMatchDecision); ok {
			v.Matches = false
			v.Confident = true
			v.Evidence = "content is a cooking blog, metadata says quantum physics"
		}
		return nil
	}

	state := &models.DocumentState{
		Markdown: "A lovely recipe for sourdough bread.",
		Metadata: &models.DocumentMetadata{Authors: []string{"Richard Feynman"}, Date: "1985"},
	}
	fx.processor.validateContent(context.Background(), fx.processor.logger, state)

	assert.True(t, state.Validation.Checked)
	assert.Equal(t, models.ValidationMethodLLM, state.Validation.Method)
	assert.True(t, state.Validation.Mismatch)
	assert.Contains(t, state.Validation.Details, "cooking blog")
}

func TestValidateContentLenientWhenNotConfident(t *testing.T) {
	fx := newFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		if v, ok := out.(*models.MetadataMatchDecision); ok {
			v.Matches = false
			v.Confident = false
		}
		return nil
	}

	state := &models.DocumentState{
		Markdown: "Thin excerpt.",
		Metadata: &models.DocumentMetadata{Authors: []string{"Unknown Person"}},
	}
	fx.processor.validateContent(context.Background(), fx.processor.logger, state)

	// Unconfident disagreement is not a mismatch
	assert.True(t, state.Validation.Matched)
	assert.False(t, state.Validation.Mismatch)
}

func TestValidateContentLenientOnCheckFailure(t *testing.T) {
	fx := newFixture(t)
	fx.llm.structuredFn = func(req interfaces.StructuredRequest, out interfaces.Validatable) error {
		return fmt.Errorf("%w: provider down", interfaces.ErrBackendUnavailable)
	}

	state := &models.DocumentState{
		Markdown: "Thin excerpt.",
		Metadata: &models.DocumentMetadata{Authors: []string{"Unknown Person"}},
	}
	fx.processor.validateContent(context.Background(), fx.processor.logger, state)

	require.NotEmpty(t, state.Errors)
	assert.True(t, state.Validation.Matched)
	assert.False(t, state.Validation.Mismatch)
}

func TestNormalizeISBN(t *testing.T) {
	assert.Equal(t, "9780134685991", normalizeISBN("978-0-13-468599-1"))
	assert.Equal(t, "014303X", normalizeISBN("0 14 30 3x"))
}
