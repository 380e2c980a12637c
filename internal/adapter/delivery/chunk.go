package delivery

import (
	"fmt"
	"strings"
)

// splitText splits text into segments of at most limit characters,
// preferring paragraph boundaries, then line boundaries, hard-cutting only
// when a single line exceeds the limit. Measured in runes so multi-byte
// content never lands on a torn boundary.
func splitText(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			currentLen = 0
		}
	}

	appendPiece := func(piece string, sep string) {
		pieceLen := len([]rune(piece))
		sepLen := len([]rune(sep))
		if currentLen > 0 && currentLen+sepLen+pieceLen > limit {
			flush()
		}
		if currentLen > 0 {
			current.WriteString(sep)
			currentLen += sepLen
		}
		current.WriteString(piece)
		currentLen += pieceLen
	}

	for _, para := range strings.Split(text, "\n\n") {
		if len([]rune(para)) <= limit {
			appendPiece(para, "\n\n")
			continue
		}
		for _, line := range strings.Split(para, "\n") {
			runes := []rune(line)
			for len(runes) > limit {
				flush()
				chunks = append(chunks, string(runes[:limit]))
				runes = runes[limit:]
			}
			appendPiece(string(runes), "\n")
		}
	}
	flush()

	return chunks
}

// chunkMessage prepares a message for a length-limited channel. Text within
// the limit is returned as a single unlabeled chunk. Longer text is split
// and each chunk gets a "part X of N" header. The header itself consumes
// budget and can change the chunk count, so the split iterates until the
// count stabilizes.
func chunkMessage(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	count := 2
	var chunks []string
	for i := 0; i < 4; i++ {
		header := chunkHeader(count, count) // widest header for this count
		chunks = splitText(text, limit-len([]rune(header)))
		if len(chunks) == count {
			break
		}
		count = len(chunks)
	}

	out := make([]string, len(chunks))
	for i, chunk := range chunks {
		out[i] = chunkHeader(i+1, len(chunks)) + chunk
	}
	return out
}

func chunkHeader(n, total int) string {
	return fmt.Sprintf("[part %d of %d]\n", n, total)
}
