package citations

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/thala-research/thala/internal/interfaces"
	"github.com/thala-research/thala/internal/models"
)

type fakeKeyChecker struct {
	mu     sync.Mutex
	known  map[string]bool
	failOn map[string]error
	calls  []string
}

func (f *fakeKeyChecker) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err, ok := f.failOn[key]; ok {
		return false, err
	}
	return f.known[key], nil
}

func (f *fakeKeyChecker) CreateItem(ctx context.Context, item *models.BibItem) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeKeyChecker) GetItem(ctx context.Context, key string) (*models.BibItem, error) {
	return nil, interfaces.ErrNotFound
}

func (f *fakeKeyChecker) UpdateItem(ctx context.Context, item *models.BibItem) error { return nil }

func (f *fakeKeyChecker) DeleteItem(ctx context.Context, key string) error { return nil }

func (f *fakeKeyChecker) Search(ctx context.Context, conditions []models.SearchCondition, limit int, includeFullData bool) ([]*models.BibItem, error) {
	return nil, nil
}

func (f *fakeKeyChecker) Ping(ctx context.Context) error { return nil }

func (f *fakeKeyChecker) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestVerifier(bib interfaces.BibSystem) *Verifier {
	return NewVerifier(bib, 4, arbor.NewLogger())
}

func TestVerifyKeysTrustsCorpus(t *testing.T) {
	bib := &fakeKeyChecker{known: map[string]bool{}}
	v := newTestVerifier(bib)

	corpus := map[string]bool{"AAAA1111": true, "BBBB2222": true}
	outcome, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "BBBB2222"}, corpus, true, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAA1111", "BBBB2222"}, outcome.Valid)
	assert.Empty(t, outcome.Invalid)
	assert.Zero(t, bib.lookups(), "corpus keys should not hit the bib system")
}

func TestVerifyKeysChecksUnknownAgainstBib(t *testing.T) {
	bib := &fakeKeyChecker{known: map[string]bool{"CCCC3333": true}}
	v := newTestVerifier(bib)

	corpus := map[string]bool{"AAAA1111": true}
	outcome, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "CCCC3333", "DDDD4444"}, corpus, true, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAA1111", "CCCC3333"}, outcome.Valid)
	assert.Equal(t, []string{"DDDD4444"}, outcome.Invalid)
	assert.Equal(t, 2, bib.lookups())
}

func TestVerifyKeysWithoutBibRejectsUnknown(t *testing.T) {
	bib := &fakeKeyChecker{known: map[string]bool{"DDDD4444": true}}
	v := newTestVerifier(bib)

	corpus := map[string]bool{"AAAA1111": true}
	outcome, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "DDDD4444"}, corpus, false, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAA1111"}, outcome.Valid)
	assert.Equal(t, []string{"DDDD4444"}, outcome.Invalid)
	assert.Zero(t, bib.lookups(), "bib verification disabled")
}

func TestVerifyKeysVerifyAllOverridesCorpus(t *testing.T) {
	// With verifyAll the bib system is the source of truth even for keys
	// the corpus claims.
	bib := &fakeKeyChecker{known: map[string]bool{"AAAA1111": true}}
	v := newTestVerifier(bib)

	corpus := map[string]bool{"AAAA1111": true, "BBBB2222": true}
	outcome, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "BBBB2222"}, corpus, true, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAA1111"}, outcome.Valid)
	assert.Equal(t, []string{"BBBB2222"}, outcome.Invalid)
	assert.Equal(t, 2, bib.lookups())
}

func TestVerifyKeysMalformedSkipLookup(t *testing.T) {
	bib := &fakeKeyChecker{known: map[string]bool{}}
	v := newTestVerifier(bib)

	outcome, err := v.VerifyKeys(context.Background(), []string{"short", "TOOLONGKEY1"}, nil, true, false)
	require.NoError(t, err)

	assert.Empty(t, outcome.Valid)
	assert.Equal(t, []string{"short", "TOOLONGKEY1"}, outcome.Invalid)
	assert.Zero(t, bib.lookups(), "malformed keys fail the format check before any lookup")
}

func TestVerifyKeysDeduplicates(t *testing.T) {
	bib := &fakeKeyChecker{known: map[string]bool{"AAAA1111": true}}
	v := newTestVerifier(bib)

	outcome, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "AAAA1111", "AAAA1111"}, nil, true, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAAA1111"}, outcome.Valid)
	assert.Equal(t, 1, bib.lookups())
}

func TestVerifyKeysKeepsKeyOnLookupFailure(t *testing.T) {
	bib := &fakeKeyChecker{
		known:  map[string]bool{"BBBB2222": true},
		failOn: map[string]error{"AAAA1111": errors.New("connection refused")},
	}
	v := newTestVerifier(bib)

	outcome, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "BBBB2222"}, nil, true, false)
	require.NoError(t, err)

	assert.Contains(t, outcome.Valid, "AAAA1111", "a failed lookup must not strip a possibly valid citation")
	assert.Contains(t, outcome.Valid, "BBBB2222")
}

func TestVerifyKeysAllLookupsFailing(t *testing.T) {
	bib := &fakeKeyChecker{
		failOn: map[string]error{
			"AAAA1111": errors.New("connection refused"),
			"BBBB2222": errors.New("connection refused"),
		},
	}
	v := newTestVerifier(bib)

	_, err := v.VerifyKeys(context.Background(), []string{"AAAA1111", "BBBB2222"}, nil, true, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestStripInvalidReplacesWithMarkers(t *testing.T) {
	text := "A claim [@AAAA1111]. Another [@BBBB2222] and again [@AAAA1111]."
	stripped, count := StripInvalid(text, []string{"AAAA1111"})

	assert.Equal(t, 2, count)
	assert.NotContains(t, stripped, "[@AAAA1111]")
	assert.Contains(t, stripped, "[@BBBB2222]")

	markers := models.ExtractTodoMarkers(stripped)
	require.Len(t, markers, 2)
	assert.Contains(t, markers[0], "AAAA1111")
}

func TestStripInvalidMarkerDoesNotReintroduceKey(t *testing.T) {
	// The marker carries the key as plain text, never in bracketed form,
	// so a later extraction pass cannot resurrect it.
	stripped, _ := StripInvalid("See [@AAAA1111].", []string{"AAAA1111"})
	assert.NotContains(t, models.ExtractCitationKeys(stripped), "AAAA1111")
}

func TestStripInvalidAbsentKeyIsNoop(t *testing.T) {
	text := "Nothing to strip here [@BBBB2222]."
	stripped, count := StripInvalid(text, []string{"AAAA1111"})
	assert.Zero(t, count)
	assert.Equal(t, text, stripped)
}

func TestCollapseAdjacentKeys(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      string
		collapsed int
	}{
		{
			name:      "back to back",
			input:     "A claim [@AAAA1111][@AAAA1111].",
			want:      "A claim [@AAAA1111].",
			collapsed: 1,
		},
		{
			name:      "comma separated",
			input:     "A claim [@AAAA1111], [@AAAA1111].",
			want:      "A claim [@AAAA1111].",
			collapsed: 1,
		},
		{
			name:      "triple run",
			input:     "[@AAAA1111] [@AAAA1111] [@AAAA1111]",
			want:      "[@AAAA1111]",
			collapsed: 1,
		},
		{
			name:      "different keys untouched",
			input:     "[@AAAA1111][@BBBB2222]",
			want:      "[@AAAA1111][@BBBB2222]",
			collapsed: 0,
		},
		{
			name:      "separated by text untouched",
			input:     "[@AAAA1111] and also [@AAAA1111]",
			want:      "[@AAAA1111] and also [@AAAA1111]",
			collapsed: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, collapsed := CollapseAdjacentKeys(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.collapsed, collapsed)
		})
	}
}

func TestVerifyKeysEmptyInput(t *testing.T) {
	v := newTestVerifier(&fakeKeyChecker{})
	outcome, err := v.VerifyKeys(context.Background(), nil, nil, true, false)
	require.NoError(t, err)
	assert.Empty(t, outcome.Valid)
	assert.Empty(t, outcome.Invalid)
}

func TestVerifyKeysConcurrentLookups(t *testing.T) {
	known := map[string]bool{}
	var keys []string
	for _, prefix := range []string{"AAAA", "BBBB", "CCCC", "DDDD", "EEEE", "FFFF"} {
		key := prefix + "1111"
		known[key] = true
		keys = append(keys, key)
	}
	bib := &fakeKeyChecker{known: known}
	v := newTestVerifier(bib)

	outcome, err := v.VerifyKeys(context.Background(), keys, nil, true, false)
	require.NoError(t, err)
	assert.Equal(t, keys, outcome.Valid, "order follows the input even though lookups fan out")
	assert.Equal(t, len(keys), bib.lookups())
}
