package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-store/logging"
	"price-store/store"
)

func TestRunWrongArgumentCount(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"vendors.txt"},
		{"vendors.txt", "127.0.0.1:0"},
		{"vendors.txt", "127.0.0.1:0", "4", "extra"},
	} {
		var stderr bytes.Buffer
		assert.Equal(t, 2, run(args, &stderr), "args %q", args)
		assert.Contains(t, stderr.String(), "usage:")
	}
}

func TestRunInvalidWorkerCount(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"vendors.txt", "127.0.0.1:0", "many"}, &stderr))
	assert.Contains(t, stderr.String(), "invalid worker count")
}

func TestRunUnknownFlag(t *testing.T) {
	var stderr bytes.Buffer
	assert.NotEqual(t, 0, run([]string{"--no-such-flag", "vendors.txt", "127.0.0.1:0", "1"}, &stderr))
}

func TestRunListenFailure(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"--log-verbosity", "0", "vendors.txt", "not-an-address", "1"}, &stderr))
}

func parseOptions(t *testing.T, args ...string) *store.Options {
	t.Helper()
	opts := store.NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, opts.Complete(fs.Args()))
	return opts
}

func TestServeWithUnreadableVendorFileStopsCleanly(t *testing.T) {
	opts := parseOptions(t, filepath.Join(t.TempDir(), "missing.txt"), "127.0.0.1:0", "2")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, opts, logging.NewTestLogger()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestLoadVendorsReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vendors.txt")
	require.NoError(t, os.WriteFile(path, []byte("127.0.0.1:50061\n\n# spare\n127.0.0.1:50062\n"), 0o600))
	opts := parseOptions(t, path, "127.0.0.1:0", "1")

	vendors := loadVendors(context.Background(), opts, logging.NewTestLogger())
	require.Equal(t, 2, vendors.Len())
	assert.Equal(t, "127.0.0.1:50062", vendors.At(1).Address)
}
