package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SourceType classifies where a record's content originated
type SourceType string

const (
	// SourceTypeExternal marks records ingested from outside material; these must carry a bib key
	SourceTypeExternal SourceType = "external"
	// SourceTypeInternal marks system-generated records (summaries, syntheses)
	SourceTypeInternal SourceType = "internal"
)

// Compression levels for stored records
const (
	// CompressionOriginal is the full source text
	CompressionOriginal = 0
	// CompressionShort is the ~100-word summary
	CompressionShort = 1
	// CompressionTenth is the ~10:1 compressed summary
	CompressionTenth = 2
)

// bibKeyPattern matches the 8-char alphanumeric keys issued by the bibliographic system
var bibKeyPattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// IsValidBibKey reports whether key is a well-formed bibliographic key
func IsValidBibKey(key string) bool {
	return bibKeyPattern.MatchString(key)
}

// Record represents the canonical unit of stored knowledge.
// A record lives at one compression level; derivatives reference their
// parents through SourceIDs so lineage stays traceable across levels.
type Record struct {
	// Identity
	ID         string     `json:"id"`          // rec_{uuid}
	SourceType SourceType `json:"source_type"` // external or internal

	// Content
	Content          string `json:"content"`
	CompressionLevel int    `json:"compression_level"` // 0 = original, 1 = short, 2 = tenth

	// Lineage
	SourceIDs []string `json:"source_ids,omitempty"` // Ordered parent record ids for derived records
	BibKey    string   `json:"bib_key,omitempty"`    // Link into the bibliographic system

	// Language
	LanguageCode string `json:"language_code,omitempty"` // ISO 639-1, detected on L0 and propagated

	// Embedding (always present for L1/L2, absent for L0 by convention)
	Embedding      []float32 `json:"embedding,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	// Free-form indexing helpers, section tags, word counts, derivation origin
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord creates a record with both timestamps populated
func NewRecord(id string, sourceType SourceType, content string, level int) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:               id,
		SourceType:       sourceType,
		Content:          content,
		CompressionLevel: level,
		Metadata:         make(map[string]interface{}),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Validate checks the structural invariants every persisted record must satisfy
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record id is required")
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		return fmt.Errorf("record %s is missing timestamps", r.ID)
	}
	if r.CompressionLevel < CompressionOriginal || r.CompressionLevel > CompressionTenth {
		return fmt.Errorf("record %s has invalid compression level %d", r.ID, r.CompressionLevel)
	}
	if r.SourceType != SourceTypeExternal && r.SourceType != SourceTypeInternal {
		return fmt.Errorf("record %s has invalid source type %q", r.ID, r.SourceType)
	}
	if r.SourceType == SourceTypeExternal && !IsValidBibKey(r.BibKey) {
		return fmt.Errorf("external record %s requires an 8-char alphanumeric bib key, got %q", r.ID, r.BibKey)
	}
	if r.CompressionLevel > CompressionOriginal && len(r.SourceIDs) == 0 {
		return fmt.Errorf("derived record %s at level %d has no source ids", r.ID, r.CompressionLevel)
	}
	return nil
}

// IsExternal reports whether the record was ingested from outside material
func (r *Record) IsExternal() bool {
	return r.SourceType == SourceTypeExternal
}

// Touch updates the modification timestamp
func (r *Record) Touch() {
	r.UpdatedAt = time.Now().UTC()
}

// WordCount returns the whitespace-separated word count of the content
func (r *Record) WordCount() int {
	return len(strings.Fields(r.Content))
}

// Title returns the metadata title when present, otherwise an empty string
func (r *Record) Title() string {
	if r.Metadata == nil {
		return ""
	}
	if title, ok := r.Metadata["title"].(string); ok {
		return title
	}
	return ""
}

// SetMeta sets a metadata key, allocating the map on first use
func (r *Record) SetMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// Serialize produces the canonical JSON representation used by every backend.
// Absent optional fields are omitted rather than written as null so that
// serialize/deserialize round-trips byte-stable for history snapshots.
func (r *Record) Serialize() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record %s: %w", r.ID, err)
	}
	return data, nil
}

// DeserializeRecord parses the canonical JSON representation
func DeserializeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize record: %w", err)
	}
	return &record, nil
}

// Clone returns a deep copy so snapshot writers never share slices or maps
// with the live record
func (r *Record) Clone() *Record {
	clone := *r
	if len(r.SourceIDs) > 0 {
		clone.SourceIDs = make([]string, len(r.SourceIDs))
		copy(clone.SourceIDs, r.SourceIDs)
	}
	if len(r.Embedding) > 0 {
		clone.Embedding = make([]float32, len(r.Embedding))
		copy(clone.Embedding, r.Embedding)
	}
	if len(r.Metadata) > 0 {
		clone.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
