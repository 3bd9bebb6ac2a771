package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
)

func TestShouldUseColor(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "")
	t.Setenv("NO_COLOR", "1")
	assert.False(t, ShouldUseColor(&bytes.Buffer{}))

	t.Setenv("NO_COLOR", "")
	assert.False(t, ShouldUseColor(&bytes.Buffer{}), "non-file writers are not terminals")

	t.Setenv("CLICOLOR_FORCE", "1")
	assert.True(t, ShouldUseColor(&bytes.Buffer{}))
}

func TestTable(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	out := Table([]string{"ID", "STATUS"}, [][]string{
		{"a", "pending"},
		{"longer-id", "dead_letter"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "ID         STATUS", lines[0])
	assert.Equal(t, "a          pending", lines[1])
	assert.Equal(t, "longer-id  dead_letter", lines[2])
}

func TestProgress(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	assert.Equal(t, "█████░░░░░  50.0%", Progress(50, 10))
	assert.Equal(t, "██████████ 100.0%", Progress(140, 10))
	assert.Equal(t, "░░░░   0.0%", Progress(-3, 4))
}

func TestRenderStatePlain(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)
	for _, s := range []string{"idle", "draining", "paused", "error", "other"} {
		assert.Equal(t, s, RenderState(s))
	}
}
