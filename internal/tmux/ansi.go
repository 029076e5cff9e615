package tmux

import "strings"

// StripANSI removes ANSI escape codes in a single pass. Regex is avoided on
// purpose: malformed escape sequences can trigger catastrophic backtracking,
// and pane captures run on every poll tick.
func StripANSI(content string) string {
	// \x1b is ESC, \x9B is 8-bit CSI
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9B') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		if content[i] == '\x1b' {
			// CSI sequence: ESC [ ... letter
			if i+1 < len(content) && content[i+1] == '[' {
				j := i + 2
				for j < len(content) {
					c := content[j]
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						j++
						break
					}
					j++
				}
				i = j
				continue
			}
			// OSC sequence: ESC ] ... BEL or ST
			if i+1 < len(content) && content[i+1] == ']' {
				if bell := strings.Index(content[i:], "\x07"); bell != -1 {
					i += bell + 1
					continue
				}
				if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
					i += st + 2
					continue
				}
			}
			// Bare ESC plus one char
			if i+1 < len(content) {
				i += 2
				continue
			}
			i++
			continue
		}
		if content[i] == '\x9B' {
			j := i + 1
			for j < len(content) {
				c := content[j]
				if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
					j++
					break
				}
				j++
			}
			i = j
			continue
		}
		b.WriteByte(content[i])
		i++
	}
	return b.String()
}
