package equivalence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	docOpen  = "<html><head></head><body>"
	docClose = "</body></html>"
)

func TestNormalizers(t *testing.T) {
	regex, err := NewStripRegex(`\d{2}:\d{2}`)
	require.NoError(t, err)
	lookahead, err := NewStripRegex(`foo(?=bar)`)
	require.NoError(t, err)
	xp, err := NewStripXPath("//div[@class='ad']", "//comment()")
	require.NoError(t, err)

	tests := []struct {
		name       string
		normalizer Normalizer
		in         string
		want       string
	}{
		{
			name:       "strip listed attributes",
			normalizer: StripAttributes{Attributes: []string{"ID"}},
			in:         `<div id="x" class="c">t</div>`,
			want:       docOpen + `<div class="c">t</div>` + docClose,
		},
		{
			name:       "strip every attribute",
			normalizer: StripAttributes{},
			in:         `<div id="x" class="c"><a href="/a">t</a></div>`,
			want:       docOpen + `<div><a>t</a></div>` + docClose,
		},
		{
			name:       "strip style keeps visibility",
			normalizer: StripStyle{},
			in:         `<style>p{}</style><p style="color: red; display: none" align="left"><b>bold</b></p>`,
			want:       docOpen + `<p style="display: none;">bold</p>` + docClose,
		},
		{
			name:       "strip style drops emptied style attribute",
			normalizer: StripStyle{},
			in:         `<p style="color: red">x</p>`,
			want:       docOpen + `<p>x</p>` + docClose,
		},
		{
			name:       "strip scripts and handlers",
			normalizer: StripScripts{},
			in:         `<div onclick="go()">a<script>x()</script><noscript>no</noscript></div>`,
			want:       docOpen + `<div>a</div>` + docClose,
		},
		{
			name:       "regex",
			normalizer: regex,
			in:         "at 12:30 today",
			want:       "at  today",
		},
		{
			name:       "regex with lookahead",
			normalizer: lookahead,
			in:         "foobar foobaz",
			want:       "bar foobaz",
		},
		{
			name:       "xpath removes elements only",
			normalizer: xp,
			in:         `<div class="ad">buy</div><!-- note --><p>x</p>`,
			want:       docOpen + `<!-- note --><p>x</p>` + docClose,
		},
		{
			name:       "plain structure",
			normalizer: PlainStructure{},
			in:         `<p class="a">text<!-- c --><span>more</span></p>`,
			want:       docOpen + `<p><span></span></p>` + docClose,
		},
		{
			name:       "whitespace",
			normalizer: Whitespace{},
			in:         "<div>\n  <p>a   b</p>\n</div>",
			want:       "<div><p>a b</p></div>",
		},
		{
			name:       "text only",
			normalizer: NewTextOnly(),
			in:         "<style>p{}</style><p>Hello <b>world</b></p>\n<div>again</div><script>var x = 1</script>",
			want:       "Hello world again",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.normalizer.Apply(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type failingNormalizer struct{}

func (failingNormalizer) Name() string { return "failing" }

func (failingNormalizer) Apply(string) (string, error) { return "", errors.New("boom") }

func TestChainSkipsFailingNormalizer(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	chain := NewChain(zap.New(core), failingNormalizer{}, Whitespace{})

	assert.Equal(t, 2, chain.Len())
	assert.Equal(t, "<a>b</a>", chain.Apply("<a>\nb</a>"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Normalizer failed, keeping previous DOM", entry.Message)
	assert.Equal(t, "failing", entry.ContextMap()["normalizer"])
}

func TestNormalizingWithoutChain(t *testing.T) {
	assert.Equal(t, "<p> raw </p>", normalizing{}.Normalize("<p> raw </p>"))
}
