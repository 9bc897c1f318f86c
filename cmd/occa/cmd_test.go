package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/EMinsight/occa/backends/host"
	"github.com/stretchr/testify/require"
)

// run executes the CLI with args and returns its output.
func run(t *testing.T, args ...string) string {
	var out bytes.Buffer
	cmd := NewCLI(nil)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), "occa %s", strings.Join(args, " "))
	fmt.Printf("$ occa %s\n%s", strings.Join(args, " "), out.String())
	return out.String()
}

func TestModes(t *testing.T) {
	out := run(t, "modes")
	require.Contains(t, out, host.SerialMode)
	require.Contains(t, out, host.OpenMPMode)
}

func TestInfo(t *testing.T) {
	out := run(t, "info")
	require.Contains(t, out, "MODE")
	require.Contains(t, out, "8.0 GiB")

	out = run(t, "info", "--props", "mode=OpenMP, memory_size=2048, uva=enabled")
	require.Contains(t, out, "2.0 KiB")
	require.Contains(t, out, "true")
	require.NotContains(t, out, host.SerialMode)
}

func TestBuildAndCache(t *testing.T) {
	cacheDir := t.TempDir()
	source := filepath.Join(t.TempDir(), "builtins.native")
	require.NoError(t, os.WriteFile(source, []byte(host.BuiltinSource), 0644))

	out := run(t, "--cache", cacheDir, "build", "--props", "mode=OpenMP", source, "addVectors", "scaleVector", "norm2")
	require.Contains(t, out, "scaleVector")

	out = run(t, "--cache", cacheDir, "cache", "list")
	require.Equal(t, 3, strings.Count(out, "true"), "three complete entries expected")

	run(t, "--cache", cacheDir, "cache", "clear")
	out = run(t, "--cache", cacheDir, "cache", "list")
	require.NotContains(t, out, "true")

	cmd := NewCLI(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--cache", cacheDir, "build", source, "notAKernel"})
	require.Error(t, cmd.Execute())
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "512 B", formatBytes(512))
	require.Equal(t, "1.5 KiB", formatBytes(1536))
	require.Equal(t, "8.0 GiB", formatBytes(8<<30))
}
