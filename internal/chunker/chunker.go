// Package chunker splits text into bounded, overlapping windows along
// semantic boundaries (spec C3 / §4.3), grounded on the teacher's
// chunking.go reverse-scan boundary search.
package chunker

import "strings"

const (
	DefaultTargetSize = 500
	DefaultOverlap    = 50
)

type Config struct {
	TargetSize int // characters
	Overlap    int // characters, strictly less than TargetSize
}

func DefaultConfig() Config {
	return Config{TargetSize: DefaultTargetSize, Overlap: DefaultOverlap}
}

// Chunk is one window of the original text.
type Chunk struct {
	Text  string
	Index int
}

// Split returns the finite, ordered sequence of chunks for text.
//
// Contract P-CHUNK-MONO: every input character appears in at least one
// chunk. Inputs shorter than TargetSize produce exactly one chunk equal to
// the (trimmed) input.
func Split(text string, cfg Config) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	targetSize := cfg.TargetSize
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	overlap := cfg.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= targetSize {
		overlap = targetSize / 10
	}

	runes := []rune(trimmed)
	total := len(runes)
	if total <= targetSize {
		return []Chunk{{Text: string(runes), Index: 0}}
	}

	var out []string
	start := 0
	for start < total {
		if total-start <= targetSize {
			out = append(out, strings.TrimSpace(string(runes[start:])))
			break
		}

		searchStart := start + targetSize/2
		searchEnd := start + targetSize
		if searchEnd > total {
			searchEnd = total
		}

		splitAt := findBestSplitPoint(runes, searchStart, searchEnd)
		forced := splitAt == -1
		end := splitAt
		if forced {
			end = start + targetSize
			if end > total {
				end = total
			}
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}

		if forced {
			// Overlap only applies on a forced/hard split — a natural
			// boundary already implies where the next window should start.
			next := end - overlap
			if next <= start {
				next = end
			}
			start = next
		} else {
			start = end
		}
	}

	chunks := make([]Chunk, 0, len(out))
	for i, text := range out {
		if text == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: text, Index: i})
	}
	// re-index after dropping any empty chunk
	for i := range chunks {
		chunks[i].Index = i
	}
	if len(chunks) == 0 {
		return []Chunk{{Text: trimmed, Index: 0}}
	}
	return chunks
}

// findBestSplitPoint scans backward within [minIdx, maxIdx) for the
// highest-priority boundary: paragraph break, markdown header, list item,
// sentence terminator, clause terminator, whitespace. Returns -1 if none
// found, signalling a forced hard cut.
func findBestSplitPoint(runes []rune, minIdx, maxIdx int) int {
	if minIdx >= maxIdx || maxIdx > len(runes) {
		return -1
	}

	// Priority 1: paragraph break \n\n
	for i := maxIdx - 1; i >= minIdx; i-- {
		if i > 0 && runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	// Priority 2: markdown header \n# ...
	for i := maxIdx - 1; i >= minIdx; i-- {
		if i > 1 && runes[i] == ' ' && runes[i-1] == '#' && runes[i-2] == '\n' {
			return i - 2
		}
	}
	// Priority 3: list item \n- / \n* (numbered items are not matched)
	for i := maxIdx - 1; i >= minIdx; i-- {
		if i > 1 && runes[i] == ' ' && (runes[i-1] == '-' || runes[i-1] == '*') && runes[i-2] == '\n' {
			return i - 2
		}
	}
	// Priority 4: sentence terminator followed by whitespace
	for i := maxIdx - 1; i >= minIdx; i-- {
		if isSentenceEnd(runes[i]) && i+1 < len(runes) && isSpace(runes[i+1]) {
			return i + 1
		}
	}
	// Priority 5: clause terminator followed by whitespace
	for i := maxIdx - 1; i >= minIdx; i-- {
		if isClauseEnd(runes[i]) && i+1 < len(runes) && isSpace(runes[i+1]) {
			return i + 1
		}
	}
	// Priority 6: any whitespace
	for i := maxIdx - 1; i >= minIdx; i-- {
		if isSpace(runes[i]) {
			return i + 1
		}
	}
	return -1
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '?', '!', '。', '！', '？':
		return true
	}
	return false
}

func isClauseEnd(r rune) bool {
	switch r {
	case ';', ':', ',', '；', '：', '，':
		return true
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

// Reassemble concatenates chunk text back in order, for tests exercising
// P-CHUNK-MONO on natural-boundary-only inputs (no overlap introduced).
func Reassemble(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "")
}
