package review

import (
	"fmt"

	"github.com/thala-research/thala/internal/markdown"
	"github.com/thala-research/thala/internal/models"
)

// smallSectionWords is the size below which content sections carry no
// word-count policy; percentage tolerances are meaningless for a two-line
// transition
const smallSectionWords = 50

// extendedToleranceStep widens a rejected edit's bounds by five percentage
// points for the accept-or-revert decision
const extendedToleranceStep = 0.05

// wordBounds is an inclusive word-count acceptance range
type wordBounds struct {
	min int
	max int
}

func (b wordBounds) contains(n int) bool {
	return n >= b.min && n <= b.max
}

func (b wordBounds) String() string {
	return fmt.Sprintf("[%d, %d] words", b.min, b.max)
}

// sectionBounds returns the normal and extended acceptance ranges for a
// section edit, sized from the original word count. The second range is the
// extended-tolerance fallback after a failed retry. constrained is false for
// sections the policy does not apply to.
func (s *Service) sectionBounds(sectionType models.SectionType, originalWords int) (normal, extended wordBounds, constrained bool) {
	switch sectionType {
	case models.SectionAbstract:
		lo, hi := s.cfg.AbstractMinWords, s.cfg.AbstractMaxWords
		if lo <= 0 {
			lo = 200
		}
		if hi <= lo {
			hi = 300
		}
		normal = wordBounds{lo, hi}
		extended = wordBounds{ratioFloor(lo, extendedToleranceStep), ratioCeil(hi, extendedToleranceStep)}
		return normal, extended, true

	case models.SectionIntroduction, models.SectionConclusion:
		tol := s.cfg.IntroToleranceRatio
		if tol <= 0 {
			tol = 0.25
		}
		return ratioBounds(originalWords, tol), ratioBounds(originalWords, tol+extendedToleranceStep), true

	default:
		// Methodology and plain content share the size-banded policy
		tol, ok := s.contentTolerance(originalWords)
		if !ok {
			return wordBounds{}, wordBounds{}, false
		}
		return ratioBounds(originalWords, tol), ratioBounds(originalWords, tol+extendedToleranceStep), true
	}
}

// contentTolerance sizes the tolerance band from the configured base ratio:
// small sections get a wider band, large sections a tighter one. Sections
// under smallSectionWords are exempt.
func (s *Service) contentTolerance(words int) (float64, bool) {
	base := s.cfg.ContentToleranceRatio
	if base <= 0 {
		base = 0.40
	}
	var tol float64
	switch {
	case words < smallSectionWords:
		return 0, false
	case words < 150:
		tol = base + 0.10
	case words < 300:
		tol = base - 0.10
	default:
		tol = base - 0.20
	}
	if tol < extendedToleranceStep {
		tol = extendedToleranceStep
	}
	return tol, true
}

func ratioBounds(words int, tolerance float64) wordBounds {
	return wordBounds{ratioFloor(words, tolerance), ratioCeil(words, tolerance)}
}

func ratioFloor(words int, tolerance float64) int {
	lo := int(float64(words) * (1 - tolerance))
	if lo < 0 {
		lo = 0
	}
	return lo
}

func ratioCeil(words int, tolerance float64) int {
	return int(float64(words)*(1+tolerance) + 0.5)
}

// wordPolicyInstruction phrases the acceptance range for an editor prompt
func wordPolicyInstruction(sectionType models.SectionType, bounds wordBounds, constrained bool) string {
	if !constrained {
		return "Keep the section focused; there is no length requirement."
	}
	if sectionType == models.SectionAbstract {
		return fmt.Sprintf("The abstract must be between %d and %d words.", bounds.min, bounds.max)
	}
	return fmt.Sprintf("The edited section must stay between %d and %d words.", bounds.min, bounds.max)
}

func editedWordCount(text string) int {
	return markdown.CountWords(text)
}
