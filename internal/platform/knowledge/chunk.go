package knowledge

import (
	"strings"
	"unicode"
)

// Chunk splits text into pieces of at most size runes, each starting overlap
// runes before the previous one ended. Cuts prefer whitespace in the second
// half of the window.
func Chunk(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	r := []rune(text)
	if len(r) <= size {
		return []string{text}
	}

	var out []string
	start := 0
	for start < len(r) {
		end := start + size
		if end >= len(r) {
			end = len(r)
		} else {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(r[i-1]) {
					end = i
					break
				}
			}
		}
		if c := strings.TrimSpace(string(r[start:end])); c != "" {
			out = append(out, c)
		}
		if end == len(r) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
