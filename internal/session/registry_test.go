package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_FirstAddedBecomesActive(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_alpha")
	r.Add("relay_beta")

	require.NotNil(t, r.Active())
	assert.Equal(t, "relay_alpha", r.Active().Name)
}

func TestRegistry_AddIsIdempotent(t *testing.T) {
	r := NewRegistry(1024)
	e1 := r.Add("relay_alpha")
	e1.Buffer.Append("history")
	e2 := r.Add("relay_alpha")

	assert.Same(t, e1, e2)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "history", e2.Buffer.String())
}

func TestRegistry_RemoveActivePromotesAnother(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_alpha")
	r.Add("relay_beta")

	r.Remove("relay_alpha")
	require.NotNil(t, r.Active())
	assert.Equal(t, "relay_beta", r.Active().Name)

	r.Remove("relay_beta")
	assert.Nil(t, r.Active())
}

func TestRegistry_SwitchExact(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_alpha")
	r.Add("relay_beta")

	name, err := r.Switch("relay_beta")
	require.NoError(t, err)
	assert.Equal(t, "relay_beta", name)
	assert.Equal(t, "relay_beta", r.Active().Name)
}

func TestRegistry_SwitchUniquePrefix(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_backend")
	r.Add("relay_frontend")

	name, err := r.Switch("relay_f")
	require.NoError(t, err)
	assert.Equal(t, "relay_frontend", name)
}

func TestRegistry_SwitchFuzzyTypo(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_backend")
	r.Add("relay_frontend")

	name, err := r.Switch("bcknd")
	require.NoError(t, err)
	assert.Equal(t, "relay_backend", name)
}

func TestRegistry_SwitchNoMatch(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_alpha")

	_, err := r.Switch("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "relay_alpha", r.Active().Name, "failed switch keeps active unchanged")
}

func TestRegistry_NamesActiveFirst(t *testing.T) {
	r := NewRegistry(1024)
	r.Add("relay_c")
	r.Add("relay_a")
	r.Add("relay_b")
	_, err := r.Switch("relay_b")
	require.NoError(t, err)

	assert.Equal(t, []string{"relay_b", "relay_a", "relay_c"}, r.Names())
}

func TestEntry_SetLastCaptureDiffsSuffix(t *testing.T) {
	e := &Entry{Name: "s", Buffer: NewRollingBuffer(1024)}

	assert.Equal(t, "line1\n", e.SetLastCapture("line1\n"))
	assert.Equal(t, "line2\n", e.SetLastCapture("line1\nline2\n"))
	assert.Equal(t, "", e.SetLastCapture("line1\nline2\n"), "unchanged capture yields nothing new")
}

func TestEntry_SetLastCapturePartialOverlap(t *testing.T) {
	e := &Entry{Name: "s", Buffer: NewRollingBuffer(1024)}
	e.SetLastCapture("aaa\nbbb\nccc\n")

	// screen scrolled: old head gone, shared middle, new tail
	got := e.SetLastCapture("bbb\nccc\nddd\n")
	assert.Equal(t, "ddd\n", got)
}

func TestRollingBuffer_DropsOldest(t *testing.T) {
	b := NewRollingBuffer(10)
	b.Append("aaaa")
	b.Append("bbbb")
	b.Append("cccc")

	assert.LessOrEqual(t, b.Len(), 10)
	assert.Equal(t, "bbbbcccc", b.String())
}

func TestRollingBuffer_OversizeChunkKeepsTail(t *testing.T) {
	b := NewRollingBuffer(5)
	b.Append("0123456789")
	assert.Equal(t, "56789", b.String())
}

func TestRollingBuffer_CleanedTail(t *testing.T) {
	b := NewRollingBuffer(4096)
	b.Append("\x1b[32mok\x1b[0m   \n\n\n\nresult line\n\n")

	out := b.CleanedTail(0)
	assert.Equal(t, "ok\n\nresult line", out)
}

func TestRollingBuffer_CleanedTailLimitsLines(t *testing.T) {
	b := NewRollingBuffer(4096)
	b.Append(strings.Repeat("x\n", 50))

	out := b.CleanedTail(3)
	assert.Equal(t, "x\nx\nx", out)
}
