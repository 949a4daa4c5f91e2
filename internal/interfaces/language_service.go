package interfaces

// LanguageDetector identifies the language of a text sample
type LanguageDetector interface {
	// Detect returns the ISO 639-1 code of the dominant language, or
	// ErrNotFound when no language reaches the confidence floor
	Detect(text string) (string, error)

	// IsEnglish is a convenience wrapper treating detection failure as true
	IsEnglish(text string) bool
}
