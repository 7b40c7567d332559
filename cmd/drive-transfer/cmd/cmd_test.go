package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-drive-transfer/internal/models"
)

const testCatalog = `
volumes:
  - id: vol-1
    files:
      - id: a
        revision: r1
      - id: b
        revision: r1
      - id: ghost
        revision: r1
        placeholder: true
      - id: broken
        revision: r1
    folders:
      - id: docs
        children: [a, sub, ghost]
      - id: sub
        children: [b]
`

type revisionServer struct {
	mu       sync.Mutex
	requests map[string]int
}

func (s *revisionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 6 || parts[0] != "volumes" || parts[2] != "files" || parts[4] != "revisions" {
		http.NotFound(w, r)
		return
	}
	file := parts[3]

	s.mu.Lock()
	s.requests[file]++
	s.mu.Unlock()

	if file == "broken" {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintf(w, "content of %s", file)
}

func (s *revisionServer) count(file string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[file]
}

func writeTestConfig(t *testing.T, baseURL string, networks string) string {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0644))

	configPath := filepath.Join(dir, "config.toml")
	content := fmt.Sprintf(`
UserID = "user-1"
DatabasePath = %q
CachePath = %q
CatalogPath = %q
RemoteBaseURL = %q
MaxPipelines = 2
MaxApiAutoRetries = 1
AllowedNetworks = [%s]
`, filepath.Join(dir, "transfer.db"), filepath.Join(dir, "offline"), catalogPath, baseURL, networks)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.ExecuteContext(context.Background())
	closeTransport()
	require.NoError(t, err, out.String())
	return out.String()
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"user", models.PriorityUser, false},
		{"Background", models.PriorityBackground, false},
		{" 42 ", 42, false},
		{"-5", -5, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueueLifecycle(t *testing.T) {
	server := &revisionServer{requests: map[string]int{}}
	ts := httptest.NewServer(server)
	defer ts.Close()
	configPath := writeTestConfig(t, ts.URL, `"ANY"`)

	out := execute(t, "download", "folder", "vol-1", "docs", "--network", "ANY", "--config", configPath)
	assert.Contains(t, out, "Queued folder vol-1/docs, 2 file(s) waiting")

	out = execute(t, "download", "file", "vol-1", "broken", "--priority", "background", "--config", configPath)
	assert.Contains(t, out, "3 file(s) waiting")

	out = execute(t, "status", "--config", configPath)
	assert.Contains(t, out, "Queued files for user-1 (3)")
	assert.Regexp(t, regexp.MustCompile(`folder\s+vol-1\s+docs\s+Downloading`), out)
	assert.Regexp(t, regexp.MustCompile(`vol-1\s+b\s+r1\s+IDLE\s+0\s+0\s+ANY\s+docs,sub`), out)

	out = execute(t, "run", "--config", configPath)
	assert.Contains(t, out, "Download queue is empty.")
	assert.Contains(t, out, "Transfers: 2 succeeded, 2 failed attempts")
	assert.Equal(t, 1, server.count("a"))
	assert.Equal(t, 2, server.count("broken"))
	assert.Zero(t, server.count("ghost"))

	out = execute(t, "status", "--config", configPath)
	assert.Contains(t, out, "Queued files for user-1 (0)")
	assert.Contains(t, out, "Queued folders and albums (0)")
	assert.Regexp(t, regexp.MustCompile(`folder\s+vol-1\s+docs\s+Ready`), out)
	assert.Regexp(t, regexp.MustCompile(`folder\s+vol-1\s+sub\s+Ready`), out)
	assert.Regexp(t, regexp.MustCompile(`file\s+vol-1\s+a\s+Ready\s+true`), out)
	assert.Regexp(t, regexp.MustCompile(`file\s+vol-1\s+broken\s+Error\s+false`), out)

	execute(t, "download", "file", "vol-1", "b", "--config", configPath)
	out = execute(t, "cancel", "file", "vol-1", "b", "--config", configPath)
	assert.Contains(t, out, "Cancelled file vol-1/b")

	execute(t, "download", "folder", "vol-1", "sub", "--config", configPath)
	out = execute(t, "cancel-all", "--config", configPath)
	assert.Contains(t, out, "Cancelled 1 queued download(s)")

	out = execute(t, "status", "--config", configPath)
	assert.Contains(t, out, "Queued files for user-1 (0)")
	assert.Contains(t, out, "Queued folders and albums (0)")
	assert.NotRegexp(t, regexp.MustCompile(`file\s+vol-1\s+b\s+`), out)
}

func TestConfigNetworkMonitorReload(t *testing.T) {
	path := writeTestConfig(t, "http://unused", `"METERED"`)
	monitor := &configNetworkMonitor{path: path, reload: make(chan os.Signal, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	updates := monitor.AllowedNetworks(ctx)

	monitor.reload <- syscall.SIGHUP
	select {
	case set := <-updates:
		assert.True(t, set.Equal(models.NewNetworkSet(models.NetworkMetered)))
	case <-time.After(3 * time.Second):
		t.Fatal("no allowed networks after reload")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("updates not closed after cancel")
	}
}

func TestOpenBucketCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache", "offline")
	bucket, err := openBucket(context.Background(), dir)
	require.NoError(t, err)
	defer bucket.Close()

	require.NoError(t, bucket.WriteAll(context.Background(), "vol/f/r", []byte("x"), nil))
	_, err = os.Stat(filepath.Join(dir, "vol", "f", "r"))
	assert.NoError(t, err)

	mem, err := openBucket(context.Background(), "mem://")
	require.NoError(t, err)
	assert.NoError(t, mem.Close())
}

func TestRenderProgressWithoutTasks(t *testing.T) {
	var out bytes.Buffer
	renderProgress(&out, nil)
	assert.Equal(t, "Waiting for downloads...\n", out.String())
}
