package language

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
)

// sampleBytes caps how much of a document feeds the detector. A few
// thousand characters is enough for a confident call on any real text.
const sampleBytes = 4000

// Detector identifies source languages with lingua's statistical models.
// Models load lazily on first detection.
type Detector struct {
	detector lingua.LanguageDetector
	logger   arbor.ILogger
}

// NewDetector builds a detector over all supported languages in low
// accuracy mode, which keeps memory reasonable for long-running pipelines.
func NewDetector(logger arbor.ILogger) *Detector {
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		WithLowAccuracyMode().
		Build()

	return &Detector{
		detector: detector,
		logger:   logger,
	}
}

// Detect returns the lowercase ISO 639-1 code of the dominant language
func (d *Detector) Detect(text string) (string, error) {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return "", fmt.Errorf("%w: cannot detect language of empty text", interfaces.ErrInvalidInput)
	}
	if len(sample) > sampleBytes {
		cut := sampleBytes
		for cut > 0 && !utf8.RuneStart(sample[cut]) {
			cut--
		}
		sample = sample[:cut]
	}

	detected, exists := d.detector.DetectLanguageOf(sample)
	if !exists {
		return "", fmt.Errorf("%w: no language reached the confidence floor", interfaces.ErrNotFound)
	}

	code := strings.ToLower(detected.IsoCode639_1().String())
	d.logger.Debug().
		Str("language", code).
		Int("sample_bytes", len(sample)).
		Msg("Language detected")
	return code, nil
}

// IsEnglish reports whether the text reads as English. Detection failures
// count as English so the pipeline never translates blindly.
func (d *Detector) IsEnglish(text string) bool {
	code, err := d.Detect(text)
	if err != nil {
		return true
	}
	return code == "en"
}
