package citations

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

// Verifier checks citation keys against the corpus and the bibliographic
// system. Lookups fan out under a bound; a backend error keeps the key
// rather than stripping a possibly valid citation.
type Verifier struct {
	bib         interfaces.BibSystem
	concurrency int
	logger      arbor.ILogger
}

// NewVerifier creates a verifier with the given lookup bound (10 when <= 0)
func NewVerifier(bib interfaces.BibSystem, concurrency int, logger arbor.ILogger) *Verifier {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Verifier{bib: bib, concurrency: concurrency, logger: logger}
}

// VerifyOutcome partitions keys into valid and invalid, preserving the
// input order within each list
type VerifyOutcome struct {
	Valid   []string
	Invalid []string
}

// VerifyKeys decides which citation keys are allowed to stand. Corpus keys
// are trusted unless verifyAll makes the bib system the source of truth;
// unknown keys are checked against the bib system when verifyBib is set
// and rejected outright when it is not.
func (v *Verifier) VerifyKeys(ctx context.Context, keys []string, corpus map[string]bool, verifyBib, verifyAll bool) (*VerifyOutcome, error) {
	keys = lo.Uniq(keys)
	outcome := &VerifyOutcome{}

	verdicts := make(map[string]bool, len(keys))
	var toCheck []string
	for _, key := range keys {
		switch {
		case corpus[key] && !verifyAll:
			verdicts[key] = true
		case !verifyBib:
			verdicts[key] = corpus[key]
		case !models.IsValidBibKey(key):
			verdicts[key] = false
		default:
			toCheck = append(toCheck, key)
		}
	}

	if len(toCheck) > 0 {
		var mu sync.Mutex
		failures := 0

		var group errgroup.Group
		group.SetLimit(v.concurrency)
		for _, key := range toCheck {
			group.Go(func() error {
				exists, err := v.bib.Exists(ctx, key)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					// Keep the key: stripping a valid citation because the
					// backend hiccuped is the worse failure mode.
					v.logger.Warn().Err(err).Str("key", key).Msg("Citation lookup failed, keeping key")
					verdicts[key] = true
					failures++
					return nil
				}
				verdicts[key] = exists
				return nil
			})
		}
		_ = group.Wait()

		if failures == len(toCheck) {
			return nil, fmt.Errorf("%w: every citation lookup failed", interfaces.ErrBackendUnavailable)
		}
	}

	for _, key := range keys {
		if verdicts[key] {
			outcome.Valid = append(outcome.Valid, key)
		} else {
			outcome.Invalid = append(outcome.Invalid, key)
		}
	}
	return outcome, nil
}

// StripInvalid replaces every occurrence of the given keys with a TODO
// marker. The marker text deliberately avoids the [@KEY] form so later
// extraction passes do not resurrect the stripped key.
func StripInvalid(text string, invalid []string) (string, int) {
	stripped := 0
	for _, key := range invalid {
		needle := "[@" + key + "]"
		count := strings.Count(text, needle)
		if count == 0 {
			continue
		}
		marker := models.NewTodoMarker(fmt.Sprintf("citation %s could not be verified", key))
		text = strings.ReplaceAll(text, needle, marker)
		stripped += count
	}
	return text, stripped
}

// adjacentDupePattern matches the same citation key repeated back to back,
// optionally separated by whitespace or commas
var adjacentDupePattern = regexp.MustCompile(`(\[@([A-Za-z0-9]+)\])(?:[\s,]*\[@\2\])+`)

// CollapseAdjacentKeys removes immediately repeated citations of the same
// key and reports how many runs were collapsed
func CollapseAdjacentKeys(text string) (string, int) {
	collapsed := len(adjacentDupePattern.FindAllString(text, -1))
	if collapsed == 0 {
		return text, 0
	}
	return adjacentDupePattern.ReplaceAllString(text, "$1"), collapsed
}
