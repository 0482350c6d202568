package ingest

import (
	"strings"
	"unicode"
)

// chunkOverlapRatio is the fraction of each chunk repeated at the start of the
// next one, so sentences straddling a boundary stay searchable.
const chunkOverlapRatio = 0.15

// splitChunks slices text into spans of at most maxRunes runes. It prefers to
// break on paragraph boundaries, then sentence boundaries, and only splits
// mid-word as a last resort. Consecutive chunks overlap by a small margin.
func splitChunks(text string, maxRunes int) []string {
	text = normalizeWhitespace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}

	overlap := int(float64(maxRunes) * chunkOverlapRatio)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + maxRunes
		if end >= len(runes) {
			chunk := strings.TrimSpace(string(runes[start:]))
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		cut := findBreak(runes, start, end)
		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - overlap
		if runes[cut] == '\n' && runes[cut-1] == '\n' {
			// The cut landed on a paragraph break; overlapping here
			// would drag the previous paragraph into the next chunk.
			next = cut
		}
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// findBreak picks the best split point in runes[start:end], scanning backwards
// for a paragraph break, then a sentence end, then any whitespace.
func findBreak(runes []rune, start, end int) int {
	// Never search the entire window backwards: a break in the first half
	// would produce degenerate tiny chunks.
	floor := start + (end-start)/2

	for i := end - 1; i > floor; i-- {
		if runes[i] == '\n' && i > 0 && runes[i-1] == '\n' {
			return i
		}
	}
	for i := end - 1; i > floor; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '؟':
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}

// normalizeWhitespace collapses runs of blank lines and trims trailing space
// from each line, keeping paragraph structure intact for the chunker.
func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var sb strings.Builder
	blank := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			blank++
			continue
		}
		if sb.Len() > 0 {
			if blank > 0 {
				sb.WriteString("\n\n")
			} else {
				sb.WriteString("\n")
			}
		}
		blank = 0
		sb.WriteString(line)
	}
	return strings.TrimSpace(sb.String())
}
