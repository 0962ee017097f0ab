package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/fleetd/internal/config"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"web1", "web1"},
		{"web1\nFAKE ENTRY", "web1 FAKE ENTRY"},
		{"a\r\tb", "a  b"},
		{"bell\x07", "bell"},
		{"del\x7f", "del"},
		{"ünïcode", "ünïcode"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestReadTailAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetd.log")
	config.Cfg = config.Settings{LogPath: path}

	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, strings.Repeat("x", i+1))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	tail, err := ReadTail(3)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(lines[7:], "\n"), tail)

	require.NoError(t, Clear())
	tail, err = ReadTail(3)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestReadTail_MissingFile(t *testing.T) {
	config.Cfg = config.Settings{LogPath: filepath.Join(t.TempDir(), "missing.log")}
	tail, err := ReadTail(5)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
