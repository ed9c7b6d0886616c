// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
rules:
  - pattern: "*.svc"
    addresses: ["10.0.0.2:80", "10.0.0.1:80"]
  - pattern: db.internal
    addresses: ["10.1.0.1:5432"]
`

func TestResolveCommand(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, testConfig)
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), &stdout, &stderr, "--config", path, "resolve", "web.svc", "db.internal")
	require.NoError(t, err)
	assert.Equal(t, `table version 1
web.svc	resolved	route=*.svc
	10.0.0.1:80
	10.0.0.2:80
db.internal	resolved	route=db.internal
	10.1.0.1:5432
`, stdout.String())
}

func TestResolveCommandNotFound(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, testConfig)
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), &stdout, &stderr, "--config", path, "resolve", "web.svc", "example.org")
	require.ErrorContains(t, err, "1 of 2 names did not resolve")
	assert.Contains(t, stdout.String(), "example.org\tnot_found")
	assert.Contains(t, stdout.String(), "\t10.0.0.1:80\n")
}

func TestCommandErrors(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, testConfig)
	testCases := map[string][]string{
		"missing config": {"resolve", "web.svc"},
		"no names":       {"--config", path, "resolve"},
		"bad name":       {"--config", path, "resolve", "bad name"},
		"bad log level":  {"--config", path, "--log-level", "loud", "resolve", "web.svc"},
		"bad config":     {"--config", writeConfig(t, "default: nope\n"), "resolve", "web.svc"},
		"missing file":   {"--config", filepath.Join(t.TempDir(), "missing.yaml"), "resolve", "web.svc"},
	}
	for name, args := range testCases {
		args := args
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			require.Error(t, execute(context.Background(), &stdout, &stderr, args...))
		})
	}
}

func TestWatchCommand(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, testConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	runCtx, stop := context.WithCancel(ctx)

	var stdout, stderr syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- execute(runCtx, &stdout, &stderr, "--config", path, "--log-level", "debug", "watch", "--reload-interval", "10ms", "web.svc")
	}()
	require.Eventually(t, func() bool {
		return bytes.Contains(stdout.Bytes(), []byte("\t10.0.0.2:80\n"))
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - pattern: \"*.svc\"\n    addresses: [\"10.0.0.3:80\"]\n"), 0o600))
	require.Eventually(t, func() bool {
		return bytes.Contains(stdout.Bytes(), []byte("\t10.0.0.3:80\n"))
	}, 5*time.Second, 5*time.Millisecond)
	// The file loaded at startup is not installed a second time.
	assert.Contains(t, string(stdout.Bytes()), "table version 1\n")
	assert.Contains(t, string(stdout.Bytes()), "table version 2\n")
	assert.NotContains(t, string(stdout.Bytes()), "table version 3\n")

	stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not stop")
	}
	assert.Contains(t, string(stderr.Bytes()), "installed routing table")
}

func execute(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
