package equivalence

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func richDOM(words ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><main>")
	for _, w := range words {
		b.WriteString("<section><h2>" + w + "</h2><p>details about " + w + " and related items</p></section>")
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

func TestSimhash(t *testing.T) {
	dom := richDOM("alpha", "beta", "gamma", "delta")

	fp1, err := Simhash(dom, 128, DefaultMinFeatures)
	require.NoError(t, err)
	fp2, err := Simhash(dom, 128, DefaultMinFeatures)
	require.NoError(t, err)
	assert.Equal(t, uint(128), fp1.Len())
	assert.True(t, fp1.Equal(fp2), "fingerprints must be deterministic")

	_, err = Simhash("<p>hi</p>", 64, DefaultMinFeatures)
	assert.ErrorIs(t, err, ErrTooSimple)
}

func TestFingerprintEquivalent(t *testing.T) {
	a := NewObservation("", richDOM("alpha", "beta", "gamma", "delta"), "")
	same := NewObservation("", richDOM("alpha", "beta", "gamma", "delta"), "")
	other := NewObservation("", richDOM("invoice", "shipping", "returns", "warranty", "support", "careers"), "")

	anything, err := NewFingerprint(64, 0, DefaultMinFeatures, nil, nil)
	require.NoError(t, err)
	assert.True(t, anything.Equivalent(a, other), "threshold 0 accepts every distance")

	strict, err := NewFingerprint(64, 1, DefaultMinFeatures, nil, nil)
	require.NoError(t, err)
	assert.True(t, strict.Equivalent(a, same))
	assert.False(t, strict.Equivalent(a, other))

	_, ok := a.derived[strict.cacheKey()]
	assert.True(t, ok, "the fingerprint is cached on the observation")
}

func TestFingerprintFallsBackForSimpleInput(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := NewObservation("", "<p>hi</p>", "")
	b := NewObservation("", "<p>ho</p>", "")

	loose, err := NewFingerprint(64, 0.9, DefaultMinFeatures, nil, zap.New(core))
	require.NoError(t, err)
	assert.True(t, loose.Equivalent(a, b), "edit distance 1 is within 2*9*0.1")

	strict, err := NewFingerprint(64, 1, DefaultMinFeatures, nil, zap.New(core))
	require.NoError(t, err)
	assert.False(t, strict.Equivalent(a, b))

	assert.Zero(t, logs.Len(), "too-simple input is an expected fallback, not a failure")
}

func TestFingerprintFallbackUsesTrueEditDistance(t *testing.T) {
	f, err := NewFingerprint(64, 0.4, DefaultMinFeatures, nil, nil)
	require.NoError(t, err)
	// One token each, so both fall back; distance 3 is within 3.6.
	assert.True(t, f.Equivalent(NewObservation("", "aab", ""), NewObservation("", "bba", "")))
}

func TestNewFingerprintValidation(t *testing.T) {
	_, err := NewFingerprint(100, 0.9, 8, nil, nil)
	assert.Error(t, err)
	_, err = NewFingerprint(64, 0.9, 0, nil, nil)
	assert.Error(t, err)
	_, err = NewFingerprint(64, 1.5, 8, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestUnexpectedFingerprintError(t *testing.T) {
	assert.False(t, unexpectedFingerprintError(nil))
	assert.False(t, unexpectedFingerprintError(ErrTooSimple))
	assert.True(t, unexpectedFingerprintError(errors.New("parse failure")))
}

func TestShingles(t *testing.T) {
	assert.Empty(t, shingles(nil))
	assert.Equal(t, map[string]int{"a b": 1}, shingles([]string{"a", "b"}))
	assert.Equal(t, map[string]int{"a b a": 1, "b a b": 1}, shingles([]string{"a", "b", "a", "b"}))
}
