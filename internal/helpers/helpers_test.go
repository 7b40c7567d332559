package helpers

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes uint64
		want  string
	}{
		{"Zero bytes", 0, "0B"},
		{"Bytes", 500, "500.00B"},
		{"Kilobytes", 1024, "1.00KB"},
		{"Kilobytes fractional", 1536, "1.50KB"},
		{"Megabytes", 1024 * 1024, "1.00MB"},
		{"Megabytes fractional", 1024*1024 + 512*1024, "1.50MB"},
		{"Gigabytes", 1024 * 1024 * 1024, "1.00GB"},
		{"Terabytes", 1024 * 1024 * 1024 * 1024, "1.00TB"},
		{"Large Terabytes", 1536 * 1024 * 1024 * 1024, "1.50TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.want {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestBlake3HexMatches(t *testing.T) {
	content := []byte("this is test content for hashing")
	sum := blake3.Sum256(content)

	got, err := Blake3Hex(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper(got), got)

	assert.True(t, HashMatches(got, sum[:]))
	assert.True(t, HashMatches(" "+strings.ToLower(got)+"\n", sum[:]))
	assert.False(t, HashMatches("", sum[:]))
	assert.False(t, HashMatches("00ff", sum[:]))
}

func TestCounterWriter(t *testing.T) {
	var buf bytes.Buffer
	var seen []uint64
	cw := &CounterWriter{Writer: &buf, OnWrite: func(total uint64) { seen = append(seen, total) }}

	_, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = cw.Write([]byte(" world"))
	require.NoError(t, err)

	assert.Equal(t, uint64(11), cw.Total)
	assert.Equal(t, []uint64{5, 11}, seen)
	assert.Equal(t, "hello world", buf.String())
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0.0, Percent(10, 0))
	assert.Equal(t, 50.0, Percent(50, 100))
	assert.Equal(t, 100.0, Percent(150, 100))
}

func TestCheckAndMakeDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	assert.True(t, CheckAndMakeDir(dir))
	assert.DirExists(t, dir)
}
