package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// Blake3Hex returns the upper-case hex BLAKE3-256 digest of everything read from r.
func Blake3Hex(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// HashMatches compares a digest against a hex string from the server. Case and
// surrounding whitespace are ignored.
func HashMatches(expected string, sum []byte) bool {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return false
	}
	return strings.EqualFold(expected, hex.EncodeToString(sum))
}

// CounterWriter tracks the number of bytes written to the underlying writer.
// OnWrite, if set, is called with the running total after every write.
type CounterWriter struct {
	Total   uint64
	Writer  io.Writer
	OnWrite func(total uint64)
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	if cw.OnWrite != nil && n > 0 {
		cw.OnWrite(cw.Total)
	}
	return n, err
}

// Percent returns total as a share of size in the range 0-100. Unknown sizes give 0.
func Percent(total uint64, size int64) float64 {
	if size <= 0 {
		return 0
	}
	p := float64(total) * 100 / float64(size)
	if p > 100 {
		p = 100
	}
	return p
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Uses standard directory permissions (0700).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}
