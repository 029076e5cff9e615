package monitor

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/config"
)

func testSettings() config.MonitorSettings {
	return config.MonitorSettings{MinPollMs: 1000, MaxPollMs: 10000, CaptureLines: 200}
}

func TestDetect_PermissionPrompt(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("Do you want to create foo.go?\n❯ 1. Yes\n  2. No, and tell Claude what to do differently\n")
	require.NotNil(t, res)
	assert.Equal(t, StateInputPrompt, res.Type)
	assert.NotEmpty(t, res.Content)
}

func TestDetect_ErrorOutranksPrompt(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("Error: build failed\nDo you want to retry? (y/N)\n")
	require.NotNil(t, res)
	assert.Equal(t, StateError, res.Type)
	assert.Contains(t, res.Content, "Error: build failed")
}

func TestDetect_UnchangedStateReportedOnce(t *testing.T) {
	c := NewClassifier(testSettings())

	first := c.Detect("Proceed? (y/N)\n")
	require.NotNil(t, first)

	second := c.Detect("Proceed? (y/N)\n")
	assert.Nil(t, second, "identical state+content must not re-report")
}

func TestDetect_EmptyChunkIsNil(t *testing.T) {
	c := NewClassifier(testSettings())
	assert.Nil(t, c.Detect(""))
}

func TestDetect_BinaryGarbageDegradesToNil(t *testing.T) {
	c := NewClassifier(testSettings())
	assert.NotPanics(t, func() {
		assert.Nil(t, c.Detect("\xff\xfe\x00garbage\x80"))
	})
}

func TestDetect_StripsANSIBeforeMatching(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("\x1b[1m\x1b[31mError:\x1b[0m something broke\n")
	require.NotNil(t, res)
	assert.Equal(t, StateError, res.Type)
}

func TestDetect_PlanMode(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("Here is Claude's plan:\n1. refactor\n2. test\n")
	require.NotNil(t, res)
	assert.Equal(t, StatePlanMode, res.Type)
}

func TestDetect_GoTestSummary(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("ok  \tgithub.com/acme/pkg\t0.123s\n")
	require.NotNil(t, res)
	assert.Equal(t, StateTesting, res.Type)
}

func TestDetect_IdleInputPromptBox(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("some earlier output\n> \n? for shortcuts\n")
	require.NotNil(t, res)
	assert.Equal(t, StateIdleInput, res.Type)
}

func TestDetect_ContentBounded(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("Error: " + strings.Repeat("x", 1000) + "\n")
	require.NotNil(t, res)
	assert.LessOrEqual(t, len(res.Content), maxContentLen)
}

func TestDetect_ContentTruncatesOnRuneBoundary(t *testing.T) {
	c := NewClassifier(testSettings())

	// Multi-byte runes straddling the length cap must not be split.
	res := c.Detect("Error: " + strings.Repeat("ß", 400) + "\n")
	require.NotNil(t, res)
	assert.LessOrEqual(t, len(res.Content), maxContentLen)
	assert.True(t, utf8.ValidString(res.Content), "truncation must not leave a partial rune")
}

func TestPollInterval_BusyPollsAtFloor(t *testing.T) {
	c := NewClassifier(testSettings())

	c.Detect("✳ Pondering… (3s · 120 tokens)\n")
	assert.Equal(t, time.Second, c.PollInterval())
}

func TestPollInterval_PromptStateStaysFast(t *testing.T) {
	c := NewClassifier(testSettings())

	res := c.Detect("Proceed? (y/N)\n")
	require.NotNil(t, res)
	assert.Equal(t, time.Second, c.PollInterval())
}

func TestPollInterval_QuietTicksBackOffToCeiling(t *testing.T) {
	c := NewClassifier(testSettings())

	for i := 0; i < 20; i++ {
		assert.Nil(t, c.Detect("nothing interesting here\n"))
	}
	assert.Equal(t, 10*time.Second, c.PollInterval())
}

func TestPollInterval_BoundedWithinMinMax(t *testing.T) {
	c := NewClassifier(testSettings())

	for i := 0; i < 3; i++ {
		c.Detect("plain output\n")
	}
	iv := c.PollInterval()
	assert.GreaterOrEqual(t, iv, time.Second)
	assert.LessOrEqual(t, iv, 10*time.Second)
}

func TestReset_AllowsReReportAfterSessionSwitch(t *testing.T) {
	c := NewClassifier(testSettings())

	require.NotNil(t, c.Detect("Proceed? (y/N)\n"))
	require.Nil(t, c.Detect("Proceed? (y/N)\n"))

	c.Reset()
	assert.NotNil(t, c.Detect("Proceed? (y/N)\n"))

	c.Reset()
	assert.Equal(t, StateNone, c.CurrentState())
}

func TestSetPollBounds_AppliesOnNextInterval(t *testing.T) {
	c := NewClassifier(testSettings())

	require.NotNil(t, c.Detect("Proceed? (y/N)\n"))
	assert.Equal(t, time.Second, c.PollInterval())

	c.SetPollBounds(config.MonitorSettings{MinPollMs: 500, MaxPollMs: 4000})
	assert.Equal(t, 500*time.Millisecond, c.PollInterval())

	c.Reset()
	for i := 0; i < 20; i++ {
		c.Detect("nothing interesting here\n")
	}
	assert.Equal(t, 4*time.Second, c.PollInterval())
}
