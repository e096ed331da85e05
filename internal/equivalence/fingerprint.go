package equivalence

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	// DefaultFingerprintBits is the fingerprint length used when none is configured.
	DefaultFingerprintBits = 64
	// DefaultMinFeatures is the smallest number of distinct shingles a DOM
	// needs before it is fingerprinted instead of compared by edit distance.
	DefaultMinFeatures = 8

	shingleSize = 3
)

// Fingerprint derives a simhash over token shingles of the normalized DOM,
// caches it on the observation and compares fingerprints by Hamming
// distance. Two observations are equal when
// hamming <= Bits * (1 - Threshold).
//
// Inputs with fewer than MinFeatures distinct shingles cannot be
// fingerprinted reliably (ErrTooSimple); those pairs are compared with an
// EditDistance strategy using the same threshold.
type Fingerprint struct {
	normalizing
	Bits        int
	Threshold   float64
	MinFeatures int

	fallback *EditDistance
	logger   *zap.Logger
}

// NewFingerprint validates the parameters and builds the strategy.
func NewFingerprint(bits int, threshold float64, minFeatures int, chain *Chain, logger *zap.Logger) (*Fingerprint, error) {
	if bits <= 0 || bits%64 != 0 {
		return nil, fmt.Errorf("fingerprint bits must be a positive multiple of 64, got %d", bits)
	}
	if minFeatures < 1 {
		return nil, fmt.Errorf("fingerprint min_features must be at least 1, got %d", minFeatures)
	}
	fallback, err := NewEditDistance(threshold, chain)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fingerprint{
		normalizing: normalizing{chain: chain},
		Bits:        bits,
		Threshold:   threshold,
		MinFeatures: minFeatures,
		fallback:    fallback,
		logger:      logger.Named("Fingerprint"),
	}, nil
}

func (*Fingerprint) Kind() Kind { return KindFingerprint }

func (f *Fingerprint) Equivalent(a, b *Observation) bool {
	fa, errA := f.fingerprintOf(a)
	fb, errB := f.fingerprintOf(b)
	if errA != nil || errB != nil {
		if unexpectedFingerprintError(errA) || unexpectedFingerprintError(errB) {
			f.logger.Debug("Fingerprint failed, falling back to edit distance", zap.NamedError("a", errA), zap.NamedError("b", errB))
		}
		return f.fallback.Equivalent(a, b)
	}
	distance := fa.SymmetricDifferenceCardinality(fb)
	return float64(distance) <= float64(f.Bits)*(1-f.Threshold)
}

func unexpectedFingerprintError(err error) bool {
	return err != nil && !errors.Is(err, ErrTooSimple)
}

func (f *Fingerprint) cacheKey() string {
	return fmt.Sprintf("simhash/%d/%d", f.Bits, f.MinFeatures)
}

func (f *Fingerprint) fingerprintOf(o *Observation) (*bitset.BitSet, error) {
	v, err := o.Derive(f.cacheKey(), func() (any, error) {
		return Simhash(o.comparisonText(), f.Bits, f.MinFeatures)
	})
	if err != nil {
		return nil, err
	}
	return v.(*bitset.BitSet), nil
}

// Simhash computes a bits-long fingerprint of the DOM. It returns
// ErrTooSimple when the DOM yields fewer than minFeatures distinct shingles.
func Simhash(dom string, bits, minFeatures int) (*bitset.BitSet, error) {
	features := shingles(tokenize(dom))
	if len(features) < minFeatures {
		return nil, fmt.Errorf("%w: %d distinct features, need %d", ErrTooSimple, len(features), minFeatures)
	}

	weights := make([]int, bits)
	for feature, count := range features {
		for word := 0; word < bits/64; word++ {
			h := featureHash(feature, word)
			for bit := 0; bit < 64; bit++ {
				if h&(1<<uint(bit)) != 0 {
					weights[word*64+bit] += count
				} else {
					weights[word*64+bit] -= count
				}
			}
		}
	}

	fp := bitset.New(uint(bits))
	for i, w := range weights {
		if w > 0 {
			fp.Set(uint(i))
		}
	}
	return fp, nil
}

func featureHash(feature string, word int) uint64 {
	h := fnv.New64a()
	// The word index salts the hash so wider fingerprints get independent bits.
	_, _ = h.Write([]byte{byte(word)})
	_, _ = h.Write([]byte(feature))
	return h.Sum64()
}

// tokenize turns the DOM into a stream of tag and word tokens.
func tokenize(dom string) []string {
	var tokens []string
	z := html.NewTokenizer(strings.NewReader(dom))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return tokens
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tokens = append(tokens, "<"+string(name))
		case html.EndTagToken:
			name, _ := z.TagName()
			tokens = append(tokens, "</"+string(name))
		case html.TextToken:
			tokens = append(tokens, strings.Fields(strings.ToLower(string(z.Text())))...)
		}
	}
}

// shingles counts the distinct runs of shingleSize consecutive tokens.
// Documents shorter than one shingle contribute their whole token run.
func shingles(tokens []string) map[string]int {
	out := make(map[string]int)
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < shingleSize {
		out[strings.Join(tokens, " ")]++
		return out
	}
	for i := 0; i+shingleSize <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+shingleSize], " ")]++
	}
	return out
}
