package extraction

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cartograph-backend/internal/config"
)

func newTestChunker(maxSize, overlap, maxChunks int) *Chunker {
	return NewChunker(config.ChunkerConfig{
		MaxChunkSize: maxSize,
		OverlapSize:  overlap,
		MaxChunks:    maxChunks,
	}, zap.NewNop())
}

func TestChunker_EmptyText(t *testing.T) {
	assert.Nil(t, newTestChunker(100, 20, 10).Chunk(""))
}

func TestChunker_ShortTextSingleChunk(t *testing.T) {
	chunks := newTestChunker(100, 20, 10).Chunk("short text")

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "short text", chunks[0].Text)
}

func TestChunker_OverlapAndDenseIndices(t *testing.T) {
	text := strings.Repeat("abcdefghij", 10) // 100 runes
	chunks := newTestChunker(40, 10, 10).Chunk(text)

	// stride 30: [0,40) [30,70) [60,100)
	require.Len(t, chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.NotEmpty(t, chunk.Text)
	}
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Text)
		cur := []rune(chunks[i].Text)
		assert.Equal(t, string(prev[len(prev)-10:]), string(cur[:10]),
			"adjacent chunks share exactly the overlap")
	}
}

func TestChunker_FinalChunkMayBeShort(t *testing.T) {
	text := strings.Repeat("x", 95)
	chunks := newTestChunker(40, 10, 10).Chunk(text)

	// stride 30: [0,40) [30,70) [60,95)
	require.Len(t, chunks, 3)
	assert.Len(t, []rune(chunks[2].Text), 35)
}

func TestChunker_CapBoundsWork(t *testing.T) {
	text := strings.Repeat("y", 10_000)
	chunks := newTestChunker(100, 20, 5).Chunk(text)

	require.Len(t, chunks, 5)
	assert.Equal(t, 4, chunks[4].Index)
}

func TestChunker_MultiByteRunesSplitCleanly(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 20) // 120 runes
	chunks := newTestChunker(50, 10, 10).Chunk(text)

	require.NotEmpty(t, chunks)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk.Text))
		assert.LessOrEqual(t, len([]rune(chunk.Text)), 50)
	}
}

func TestChunker_DegenerateOverlapFallsBackToSingleChunk(t *testing.T) {
	chunks := newTestChunker(10, 10, 5).Chunk(strings.Repeat("z", 50))

	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Text, 10)
}
