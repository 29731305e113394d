package chunking

import (
	"regexp"
	"strings"
)

// SemanticChunker splits on structural boundaries (blank lines,
// headings, list items) and accumulates segments up to the target
// chunk size. Segments longer than the max size are split at sentence
// boundaries, and failing that with a sliding window, so that no
// emitted chunk exceeds MaxChunkSize.
type SemanticChunker struct {
	config ChunkerConfig
}

// NewSemanticChunker creates a new semantic chunker
func NewSemanticChunker(config ChunkerConfig) *SemanticChunker {
	return &SemanticChunker{config: config}
}

var (
	headingRe  = regexp.MustCompile(`^\s{0,3}#{1,6}\s`)
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+]\s|\d+[.)]\s)`)
)

// span is a half-open [start, end) range into the source text.
type span struct {
	start int
	end   int
}

func (sc *SemanticChunker) Chunk(content string, baseMeta map[string]any) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	segments := splitStructural(content)

	var chunks []Chunk
	curStart, curEnd := -1, -1

	flush := func() {
		if curStart < 0 {
			return
		}
		text := content[curStart:curEnd]
		if len(strings.TrimSpace(text)) >= sc.config.MinChunkSize {
			chunks = append(chunks, Chunk{
				Content:   text,
				StartChar: curStart,
				EndChar:   curEnd,
			})
		}
		curStart, curEnd = -1, -1
	}

	for _, seg := range segments {
		segText := content[seg.start:seg.end]
		if strings.TrimSpace(segText) == "" {
			continue
		}

		if seg.end-seg.start > sc.config.MaxChunkSize {
			flush()
			chunks = append(chunks, sc.splitLongSegment(content, seg)...)
			continue
		}

		switch {
		case curStart < 0:
			curStart, curEnd = seg.start, seg.end
		case seg.end-curStart > sc.config.ChunkSize:
			flush()
			curStart, curEnd = seg.start, seg.end
		default:
			curEnd = seg.end
		}
	}
	flush()

	return finalize(chunks, "semantic", baseMeta), nil
}

// GetConfig returns the chunker configuration
func (sc *SemanticChunker) GetConfig() ChunkerConfig {
	return sc.config
}

// splitStructural cuts content into segments at blank lines, heading
// lines, and list-item lines. Offsets index the original text.
func splitStructural(content string) []span {
	var segments []span
	segStart := -1
	lineStart := 0

	endSegment := func(end int) {
		if segStart >= 0 && end > segStart {
			segments = append(segments, span{start: segStart, end: end})
		}
		segStart = -1
	}

	for lineStart <= len(content) {
		lineEnd := strings.IndexByte(content[lineStart:], '\n')
		var next int
		if lineEnd < 0 {
			lineEnd = len(content)
			next = len(content) + 1
		} else {
			lineEnd += lineStart
			next = lineEnd + 1
		}
		line := content[lineStart:lineEnd]

		switch {
		case strings.TrimSpace(line) == "":
			endSegment(lineStart)
		case headingRe.MatchString(line) || listItemRe.MatchString(line):
			endSegment(lineStart)
			segStart = lineStart
		default:
			if segStart < 0 {
				segStart = lineStart
			}
		}

		lineStart = next
	}
	endSegment(len(content))

	return segments
}

// splitLongSegment breaks an oversized segment, preferring sentence
// boundaries and falling back to a character window with overlap.
func (sc *SemanticChunker) splitLongSegment(content string, seg span) []Chunk {
	sentences := splitSentences(content, seg)

	var chunks []Chunk
	emit := func(start, end int) {
		text := content[start:end]
		if len(strings.TrimSpace(text)) >= sc.config.MinChunkSize {
			chunks = append(chunks, Chunk{
				Content:   text,
				StartChar: start,
				EndChar:   end,
			})
		}
	}

	curStart, curEnd := -1, -1
	for _, sent := range sentences {
		if sent.end-sent.start > sc.config.MaxChunkSize {
			// A single run-on sentence: window it.
			if curStart >= 0 {
				emit(curStart, curEnd)
				curStart, curEnd = -1, -1
			}
			for _, w := range windowSpans(sent, sc.config.ChunkSize, sc.config.ChunkOverlap) {
				emit(w.start, w.end)
			}
			continue
		}

		switch {
		case curStart < 0:
			curStart, curEnd = sent.start, sent.end
		case sent.end-curStart > sc.config.ChunkSize:
			emit(curStart, curEnd)
			curStart, curEnd = sent.start, sent.end
		default:
			curEnd = sent.end
		}
	}
	if curStart >= 0 {
		emit(curStart, curEnd)
	}

	return chunks
}

// splitSentences returns sentence spans within seg. A sentence ends at
// '.', '!' or '?' followed by whitespace or the segment end.
func splitSentences(content string, seg span) []span {
	var sentences []span
	start := seg.start

	for i := seg.start; i < seg.end; i++ {
		c := content[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		atEnd := i+1 >= seg.end
		if !atEnd {
			next := content[i+1]
			if next != ' ' && next != '\t' && next != '\n' && next != '\r' {
				continue
			}
		}
		sentences = append(sentences, span{start: start, end: i + 1})
		// Skip trailing whitespace before the next sentence.
		start = i + 1
		for start < seg.end {
			switch content[start] {
			case ' ', '\t', '\n', '\r':
				start++
				continue
			}
			break
		}
		i = start - 1
	}

	if start < seg.end {
		sentences = append(sentences, span{start: start, end: seg.end})
	}
	if len(sentences) == 0 {
		sentences = append(sentences, seg)
	}

	return sentences
}

// windowSpans slides a fixed window of size chars with overlap.
func windowSpans(seg span, size, overlap int) []span {
	var spans []span
	step := size - overlap
	if step <= 0 {
		step = size
	}

	for start := seg.start; start < seg.end; start += step {
		end := start + size
		if end > seg.end {
			end = seg.end
		}
		spans = append(spans, span{start: start, end: end})
		if end == seg.end {
			break
		}
	}

	return spans
}
