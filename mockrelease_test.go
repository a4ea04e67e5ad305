package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/monasticacademy/mockrelease/pkg/release"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer that may be written and read from different goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrintBanner(t *testing.T) {
	var b bytes.Buffer
	printBanner(&b, 8080)
	out := b.String()

	assert.Contains(t, out, "Listening on http://localhost:8080")
	assert.Contains(t, out, "GET /release.json")
	assert.Contains(t, out, "GET /binaries/*")
	assert.Contains(t, out, "./bin/containarium upgrade self --check")
	assert.Contains(t, out, "--test-url http://localhost:8080/release.json")
	assert.Contains(t, out, "Press Ctrl+C to stop")
}

func TestDefaultFixtureDir(t *testing.T) {
	dir := defaultFixtureDir()
	assert.Equal(t, "fixtures", filepath.Base(dir))

	// the checked-in fixture is what the server serves by default
	buf, err := os.ReadFile(filepath.Join(dir, release.ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"tag_name": "v0.3.0"`)
}

func TestRun(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	dumpPath := filepath.Join(t.TempDir(), "calls.json")
	args := options{
		Addr:        "127.0.0.1",
		Port:        port,
		Fixtures:    defaultFixtureDir(),
		MockVersion: "0.3.0",
		DumpCalls:   dumpPath,
	}

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &out, &args)
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/binaries/containarium-linux-amd64", port)
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "#!/bin/bash\necho \"Containarium v0.3.0 (mock)\"\n", string(body))

	// the banner is printed once the listener is bound
	assert.Contains(t, out.String(), fmt.Sprintf("Listening on http://localhost:%d", port))
	assert.NotContains(t, out.String(), "Shutting down mock server...")

	// cancelling stands in for the interrupt signal
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Contains(t, out.String(), "Shutting down mock server...")

	// served calls are written out at shutdown
	buf, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	var calls []*HTTPCall
	require.NoError(t, json.Unmarshal(buf, &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "/binaries/containarium-linux-amd64", calls[0].Request.URL)
	assert.Equal(t, http.StatusOK, calls[0].Response.StatusCode)
}

func TestRunEphemeralPort(t *testing.T) {
	args := options{Addr: "127.0.0.1", Port: 0, Fixtures: t.TempDir()}

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &out, &args)
	}()

	// the banner reports the port that was actually bound
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("Listening on http://localhost:"))
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotContains(t, out.String(), "Listening on http://localhost:0\n")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	args := options{
		Addr:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Fixtures: t.TempDir(),
	}

	var out syncBuffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = run(ctx, &out, &args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error listening on")
	assert.NotContains(t, out.String(), "Listening on")
	assert.NotContains(t, out.String(), "Shutting down mock server...")
}
