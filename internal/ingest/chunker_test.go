package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunker(t *testing.T, size, overlap int) *Chunker {
	t.Helper()
	c, err := NewChunker(size, overlap)
	require.NoError(t, err)
	return c
}

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	c := newTestChunker(t, 512, 50)
	chunks := c.Split("We open at 9am and close at 5pm.")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
}

func TestSplit_SectionsKeepHeadings(t *testing.T) {
	c := newTestChunker(t, 512, 50)
	text := "intro line\n# Opening Hours\nMon-Fri 9-17\n## Location\nMain Street 1\n"
	chunks := c.Split(text)
	require.Len(t, chunks, 3)

	assert.Equal(t, "", chunks[0].Section)
	assert.Equal(t, "# Opening Hours", chunks[1].Section)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "# Opening Hours\n"))
	assert.Contains(t, chunks[2].Text, "Main Street 1")
}

func TestSplit_WindowsWithOverlap(t *testing.T) {
	c := newTestChunker(t, 40, 10)
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("this line has a handful of tokens in it\n")
	}
	chunks := c.Split(b.String())
	require.Greater(t, len(chunks), 1)

	for _, ch := range chunks {
		assert.LessOrEqual(t, c.CountTokens(ch.Text), 40+10, "window plus overlap bound")
	}
	// Consecutive windows share their boundary line.
	first := strings.Split(strings.TrimSpace(chunks[0].Text), "\n")
	second := strings.Split(strings.TrimSpace(chunks[1].Text), "\n")
	assert.Equal(t, first[len(first)-1], second[0])
}

func TestSplit_LongLineFallsBackToRunes(t *testing.T) {
	c := newTestChunker(t, 20, 0)
	chunks := c.Split(strings.Repeat("abcdef", 500))
	require.Greater(t, len(chunks), 1)
}

func TestSplit_EmptyText(t *testing.T) {
	c := newTestChunker(t, 512, 50)
	assert.Empty(t, c.Split("   \n  \n"))
}

func TestSplit_IndexesAreSequential(t *testing.T) {
	c := newTestChunker(t, 30, 5)
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("# Section\nsome body text for this section here\n")
	}
	chunks := c.Split(b.String())
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
	}
}
