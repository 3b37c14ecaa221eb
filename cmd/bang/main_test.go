package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinfer/bang/testutil"
)

// TestMain lets the test binary stand in for "bang worker" when the
// scanner re-executes itself.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == workerCommand {
		if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, "worker:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "bang dev\n", out)
}

func TestUsageErrors(t *testing.T) {
	_, stderr, err := runCLI(t)
	assert.ErrorContains(t, err, "expected exactly one input")
	assert.Contains(t, stderr, "Usage: bang")

	_, _, err = runCLI(t, "--no-such-flag", "x")
	assert.Error(t, err)

	_, _, err = runCLI(t, "--max-bytes", "lots", "x")
	assert.Error(t, err)
}

func TestMissingInputIsFatal(t *testing.T) {
	_, _, err := runCLI(t, "--in-process", "--tempdir", t.TempDir(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorContains(t, err, "input")
}

func TestInvalidConfigIsFatal(t *testing.T) {
	input := testutil.WriteFile(t, "in.bin", []byte("data"))
	_, _, err := runCLI(t, "--in-process", "--max-depth", "0", input)
	assert.ErrorContains(t, err, "max_depth")
}

func TestScanInProcess(t *testing.T) {
	input := testutil.WriteFile(t, "firmware.bin", testutil.Firmware(t))
	tmp := t.TempDir()

	out, _, err := runCLI(t, "--in-process", "-j", "2", "--tempdir", tmp, input)
	require.NoError(t, err)
	assert.Contains(t, out, "workspace:  "+tmp)
	assert.Contains(t, out, "nodes:      6 (classified 6, unclassified 0, truncated 0, failed 0)")
}

func TestScanWithConfigFile(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "bang.jsonc")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`{
  // scratch space
  "tempdir": %q,
  "max_depth": 1,
  "log_format": "text"
}`, tmp)), 0o644))
	input := testutil.WriteFile(t, "nested.gz", testutil.NestedGzip(t, 3, []byte("payload")))

	out, _, err := runCLI(t, "-c", cfgPath, "--in-process", input)
	require.NoError(t, err)
	assert.Contains(t, out, "workspace:  "+tmp)
	assert.Contains(t, out, "truncated 1")

	// Flags win over the file.
	out, _, err = runCLI(t, "-c", cfgPath, "--in-process", "--max-depth", "10", input)
	require.NoError(t, err)
	assert.Contains(t, out, "truncated 0")
}

func TestScanWithWorkerProcesses(t *testing.T) {
	input := testutil.WriteFile(t, "firmware.bin", testutil.Firmware(t))

	out, stderr, err := runCLI(t, "-j", "2", "--tempdir", t.TempDir(), "--remove-scan-data", input)
	require.NoError(t, err, stderr)
	assert.Contains(t, out, "nodes:      6 (classified 6, unclassified 0, truncated 0, failed 0)")
}
