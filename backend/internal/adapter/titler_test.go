package adapter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixTitle_FirstLine(t *testing.T) {
	content := "Graph databases explained\nA longer body follows here."
	assert.Equal(t, "Graph databases explained", PrefixTitle(content))
}

func TestPrefixTitle_TrimsWhitespace(t *testing.T) {
	assert.Equal(t, "Hello", PrefixTitle("  \n  Hello  \nworld"))
}

func TestPrefixTitle_EmptyContent(t *testing.T) {
	assert.Equal(t, "New conversation", PrefixTitle(""))
	assert.Equal(t, "New conversation", PrefixTitle("   \n\t  "))
}

func TestPrefixTitle_TruncatesLongContent(t *testing.T) {
	long := strings.Repeat("word ", 30)
	title := PrefixTitle(long)

	assert.LessOrEqual(t, len([]rune(title)), maxTitleLen+1)
	assert.True(t, strings.HasSuffix(title, "…"))
}

func TestPrefixTitle_MultibyteSafe(t *testing.T) {
	long := strings.Repeat("日本語のテキスト", 20)
	title := PrefixTitle(long)

	// Truncation must never split a rune
	assert.True(t, strings.HasPrefix(long, strings.TrimSuffix(title, "…")))
}

func TestPrefixTitler_Title(t *testing.T) {
	got := PrefixTitler{}.Title(context.Background(), "Cypher basics\nmore text")
	assert.Equal(t, "Cypher basics", got)
}
