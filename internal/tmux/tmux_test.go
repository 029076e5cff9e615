package tmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI_PlainTextUntouched(t *testing.T) {
	assert.Equal(t, "hello world", StripANSI("hello world"))
}

func TestStripANSI_ColorCodes(t *testing.T) {
	assert.Equal(t, "error: failed", StripANSI("\x1b[31merror:\x1b[0m failed"))
}

func TestStripANSI_CursorMovement(t *testing.T) {
	assert.Equal(t, "AB", StripANSI("A\x1b[2;5HB"))
}

func TestStripANSI_OSCTitleSequence(t *testing.T) {
	assert.Equal(t, "after", StripANSI("\x1b]0;window title\x07after"))
}

func TestStripANSI_EightBitCSI(t *testing.T) {
	assert.Equal(t, "xy", StripANSI("x\x9B31my"))
}

func TestStripANSI_TruncatedEscapeAtEnd(t *testing.T) {
	// must not panic or loop on a dangling ESC
	assert.Equal(t, "tail", StripANSI("tail\x1b"))
}

func TestStripANSI_UnicodePreserved(t *testing.T) {
	assert.Equal(t, "⠋ thinking…", StripANSI("\x1b[36m⠋ thinking…\x1b[0m"))
}

func TestInvalidateCapture_DropsOnlyMatchingSession(t *testing.T) {
	e := NewExecutor(nil, 0, 0)
	e.cacheContent["work:200"] = "a"
	e.cacheContent["other:200"] = "b"

	e.InvalidateCapture("work")

	assert.NotContains(t, e.cacheContent, "work:200")
	assert.Contains(t, e.cacheContent, "other:200")
}
