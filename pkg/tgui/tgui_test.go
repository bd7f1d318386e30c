package tgui

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapingHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "<b>a&lt;b</b>", B("a<b").String())
	assert.Equal(t, "<b>Target:</b> x &amp; y", KV("Target", "x & y").String())
	assert.Equal(t, "a\nb", Lines("a", " ", "b").String())
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "héll…", TruncRunes("héllo world", 4))
	assert.Equal(t, "hi", TruncRunes("hi", 4))
	assert.Equal(t, "", TruncRunes("hi", 0))
}

func TestSplitShortTextIsUnchanged(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, Split("hello", 10, false))
}

func TestSplitRespectsLimitAndNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	chunks := Split(text, 70, false)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 70)
		assert.False(t, strings.HasPrefix(c, "\n"))
	}
	assert.Equal(t, line+"\n"+line, chunks[0])
}

func TestSplitAvoidsCuttingInsideTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 8) + "<b>bold</b>"
	chunks := Split(text, 10, true)
	require.NotEmpty(t, chunks)
	assert.Equal(t, strings.Repeat("a", 8), chunks[0])
	assert.Equal(t, text, strings.Join(chunks, ""))
}
