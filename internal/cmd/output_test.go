package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainPrinter(t *testing.T, width int) (*printer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.width = width
	return p, &buf
}

func TestTableAlignsAndTruncatesLastColumn(t *testing.T) {
	p, buf := plainPrinter(t, 40)

	p.table([]string{"ID", "DESCRIPTION"}, [][]string{
		{"IA-001", "short"},
		{"IA-002", strings.Repeat("long words ", 10)},
		{"IA-003", "ログインは誤ったパスワードを拒否する必要があります"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID      DESCRIPTION", lines[0])
	assert.Equal(t, "IA-001  short", lines[1])
	for _, l := range lines {
		assert.LessOrEqual(t, runewidth.StringWidth(l), 40, l)
	}
	assert.True(t, strings.HasSuffix(lines[2], "…"), lines[2])
	assert.True(t, strings.HasSuffix(lines[3], "…"), lines[3])
}

func TestTableWithoutRows(t *testing.T) {
	p, buf := plainPrinter(t, 80)
	p.table([]string{"ID"}, nil)
	assert.Equal(t, "(none)\n", buf.String())
}

func TestFieldMarksEmptyValues(t *testing.T) {
	p, buf := plainPrinter(t, 80)
	p.field("Commit", "")
	p.field("Atoms", 3)
	assert.Contains(t, buf.String(), "Commit:")
	assert.Contains(t, buf.String(), "(not set)")
	assert.Contains(t, buf.String(), "3\n")
}

func TestColorProfile(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, termenv.Ascii, colorProfile(&bytes.Buffer{}))

	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "dumb")
	assert.Equal(t, termenv.Ascii, colorProfile(&bytes.Buffer{}))
}

func TestTermWidthFallsBackToColumns(t *testing.T) {
	if termWidthIoctl() > 0 {
		t.Skip("stdout is a terminal")
	}
	t.Setenv("COLUMNS", "132")
	assert.Equal(t, 132, termWidth())

	t.Setenv("COLUMNS", "wide")
	assert.Equal(t, defaultTermWidth, termWidth())
}

func TestVersionCmd(t *testing.T) {
	withTestEnv(t, nil)

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pact dev")
	assert.Contains(t, out, "commit: unknown")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	var v map[string]string
	decodeJSON(t, out, &v)
	assert.Equal(t, "dev", v["version"])
}
