package equivalence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/stateflow/internal/config"
)

// FromConfig builds the configured strategy and wraps it in a Comparator.
func FromConfig(cfg config.EquivalenceConfig, logger *zap.Logger) (*Comparator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain, err := NewChainFromConfig(cfg.Normalizers, logger)
	if err != nil {
		return nil, err
	}

	var strategy Strategy
	switch Kind(cfg.Strategy) {
	case KindExact:
		strategy = NewExact(chain)
	case KindOracle:
		strategy = NewOracle(chain)
	case KindEditDistance:
		strategy, err = NewEditDistance(cfg.Threshold, chain)
	case KindTreeDistance:
		strategy, err = NewTreeDistance(cfg.TreeThreshold, chain)
	case KindFingerprint:
		fp := cfg.Fingerprint
		bits, minFeatures := fp.Bits, fp.MinFeatures
		if bits == 0 {
			bits = DefaultFingerprintBits
		}
		if minFeatures == 0 {
			minFeatures = DefaultMinFeatures
		}
		strategy, err = NewFingerprint(bits, fp.Threshold, minFeatures, chain, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s strategy: %w", cfg.Strategy, err)
	}

	logger.Named("Equivalence").Info("State equivalence configured.",
		zap.String("strategy", cfg.Strategy),
		zap.Strings("normalizers", chain.Names()),
	)
	return NewComparator(strategy, logger), nil
}

// NewChainFromConfig builds the normalizer chain in the configured order.
func NewChainFromConfig(cfgs []config.NormalizerConfig, logger *zap.Logger) (*Chain, error) {
	normalizers := make([]Normalizer, 0, len(cfgs))
	for i, c := range cfgs {
		n, err := NewNormalizer(c)
		if err != nil {
			return nil, fmt.Errorf("normalizer %d: %w", i, err)
		}
		normalizers = append(normalizers, n)
	}
	return NewChain(logger, normalizers...), nil
}

// NewNormalizer builds a single normalizer from its configuration.
func NewNormalizer(c config.NormalizerConfig) (Normalizer, error) {
	switch c.Type {
	case "strip_attributes":
		return StripAttributes{Attributes: c.Attributes}, nil
	case "strip_style":
		return StripStyle{}, nil
	case "strip_scripts":
		return StripScripts{}, nil
	case "regex":
		if c.Pattern == "" {
			return nil, fmt.Errorf("regex normalizer needs a pattern")
		}
		return NewStripRegex(c.Pattern)
	case "xpath":
		if len(c.Expressions) == 0 {
			return nil, fmt.Errorf("xpath normalizer needs at least one expression")
		}
		return NewStripXPath(c.Expressions...)
	case "plain_structure":
		return PlainStructure{}, nil
	case "whitespace":
		return Whitespace{}, nil
	case "text_only":
		return NewTextOnly(), nil
	default:
		return nil, fmt.Errorf("unknown normalizer type %q", c.Type)
	}
}
