package extraction

import (
	"go.uber.org/zap"

	"cartograph-backend/internal/config"
)

// Chunk is one window of clean text sent to the extractor. Indices are dense
// starting at zero.
type Chunk struct {
	Index int
	Text  string
}

// Chunker splits clean text into overlapping windows so entities spanning a
// window boundary appear whole in at least one chunk.
type Chunker struct {
	maxSize   int
	overlap   int
	maxChunks int
	logger    *zap.Logger
}

func NewChunker(cfg config.ChunkerConfig, logger *zap.Logger) *Chunker {
	return &Chunker{
		maxSize:   cfg.MaxChunkSize,
		overlap:   cfg.OverlapSize,
		maxChunks: cfg.MaxChunks,
		logger:    logger.Named("chunker"),
	}
}

// Chunk windows the text. Adjacent chunks share exactly the configured
// overlap, except the final chunk which may share less. Empty text yields no
// chunks; text within one window yields a single chunk. A document that
// would exceed the chunk cap is truncated at the cap and the tail is
// dropped.
func (c *Chunker) Chunk(text string) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= c.maxSize {
		return []Chunk{{Index: 0, Text: text}}
	}

	stride := c.maxSize - c.overlap
	if stride <= 0 {
		// Misconfigured overlap would loop forever. Degrade to one chunk
		// rather than failing the document.
		c.logger.Warn("chunk overlap >= chunk size, using single chunk",
			zap.Int("max_chunk_size", c.maxSize),
			zap.Int("overlap_size", c.overlap))
		return []Chunk{{Index: 0, Text: string(runes[:c.maxSize])}}
	}

	chunks := make([]Chunk, 0, (len(runes)+stride-1)/stride)
	for start := 0; start < len(runes); start += stride {
		end := start + c.maxSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
		if c.maxChunks > 0 && len(chunks) >= c.maxChunks {
			c.logger.Warn("document exceeds chunk cap, tail dropped",
				zap.Int("max_chunks", c.maxChunks),
				zap.Int("total_runes", len(runes)))
			break
		}
	}
	return chunks
}
