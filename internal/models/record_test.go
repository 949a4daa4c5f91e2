package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validExternalRecord() *Record {
	r := NewRecord("rec_abc", SourceTypeExternal, "The full source text.", CompressionOriginal)
	r.BibKey = "KEYAAA01"
	return r
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Record)
		wantErr string
	}{
		{"valid external", func(r *Record) {}, ""},
		{"missing id", func(r *Record) { r.ID = "  " }, "id is required"},
		{"missing timestamps", func(r *Record) { r.CreatedAt = time.Time{} }, "missing timestamps"},
		{"level out of range", func(r *Record) { r.CompressionLevel = 3 }, "invalid compression level"},
		{"unknown source type", func(r *Record) { r.SourceType = "synthetic" }, "invalid source type"},
		{"external without bib key", func(r *Record) { r.BibKey = "" }, "requires an 8-char"},
		{"external with malformed bib key", func(r *Record) { r.BibKey = "KEY_01" }, "requires an 8-char"},
		{
			"derived without lineage",
			func(r *Record) { r.CompressionLevel = CompressionShort },
			"has no source ids",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validExternalRecord()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRecordValidateInternalNeedsNoBibKey(t *testing.T) {
	r := NewRecord("rec_syn", SourceTypeInternal, "A synthesis.", CompressionShort)
	r.SourceIDs = []string{"rec_abc", "rec_def"}
	assert.NoError(t, r.Validate())
}

func TestIsValidBibKey(t *testing.T) {
	assert.True(t, IsValidBibKey("KEYAAA01"))
	assert.True(t, IsValidBibKey("abcd1234"))
	assert.False(t, IsValidBibKey("SHORT"))
	assert.False(t, IsValidBibKey("TOOLONGKEY"))
	assert.False(t, IsValidBibKey("KEY-AA01"))
	assert.False(t, IsValidBibKey(""))
}

func TestRecordSerializeRoundTrip(t *testing.T) {
	r := validExternalRecord()
	r.SourceIDs = []string{"rec_parent"}
	r.CompressionLevel = CompressionTenth
	r.LanguageCode = "de"
	r.Embedding = []float32{0.1, 0.2, 0.3}
	r.EmbeddingModel = "text-embedding-3-small"
	r.SetMeta("title", "Die Studie")

	data, err := r.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, r.ID, restored.ID)
	assert.Equal(t, r.BibKey, restored.BibKey)
	assert.Equal(t, r.Embedding, restored.Embedding)
	assert.Equal(t, "Die Studie", restored.Title())

	// History snapshots rely on the canonical form staying byte-stable.
	again, err := restored.Serialize()
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRecordSerializeOmitsAbsentFields(t *testing.T) {
	r := NewRecord("rec_min", SourceTypeInternal, "text", CompressionOriginal)
	r.Metadata = nil

	data, err := r.Serialize()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "embedding")
	assert.NotContains(t, string(data), "source_ids")
	assert.NotContains(t, string(data), "bib_key")
}

func TestRecordClone(t *testing.T) {
	r := validExternalRecord()
	r.SourceIDs = []string{"rec_parent"}
	r.Embedding = []float32{1, 2}
	r.SetMeta("words", 4)

	clone := r.Clone()
	clone.SourceIDs[0] = "rec_other"
	clone.Embedding[0] = 9
	clone.SetMeta("words", 7)

	assert.Equal(t, "rec_parent", r.SourceIDs[0])
	assert.Equal(t, float32(1), r.Embedding[0])
	assert.Equal(t, 4, r.Metadata["words"])
}

func TestRecordWordCount(t *testing.T) {
	r := NewRecord("rec_w", SourceTypeInternal, "  three little words \n", CompressionOriginal)
	assert.Equal(t, 3, r.WordCount())
}
