package chat

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitMessage breaks text into chunks no wider than limit display cells,
// preferring newline boundaries so code blocks and lists stay readable.
// A single line wider than the limit is hard-wrapped on rune boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = 1900
	}
	if text == "" {
		return nil
	}
	if runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	curWidth := 0

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curWidth = 0
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		w := runewidth.StringWidth(line)
		if curWidth+w > limit {
			flush()
		}
		if w > limit {
			for _, piece := range hardWrap(line, limit) {
				pw := runewidth.StringWidth(piece)
				if curWidth+pw > limit {
					flush()
				}
				cur.WriteString(piece)
				curWidth += pw
			}
			continue
		}
		cur.WriteString(line)
		curWidth += w
	}
	flush()
	return chunks
}

// hardWrap splits a single oversize line into limit-width pieces without
// cutting a rune in half.
func hardWrap(line string, limit int) []string {
	var pieces []string
	for line != "" {
		piece := runewidth.Truncate(line, limit, "")
		if piece == "" {
			// pathological narrow limit; take one rune to guarantee progress
			r := []rune(line)
			piece = string(r[0])
		}
		pieces = append(pieces, piece)
		line = line[len(piece):]
	}
	return pieces
}
