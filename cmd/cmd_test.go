package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with the given args and captures its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	originalVersion := AppVersion
	originalBuildTime := BuildTime
	originalGitCommit := GitCommit
	defer func() {
		AppVersion = originalVersion
		BuildTime = originalBuildTime
		GitCommit = originalGitCommit
	}()

	AppVersion = "1.2.3"
	BuildTime = "2026-01-01T00:00:00Z"
	GitCommit = "abc1234"

	out, err := execute(t, "version")
	require.NoError(t, err)

	assert.Contains(t, out, "ispbot 1.2.3")
	assert.Contains(t, out, "Build Time: 2026-01-01T00:00:00Z")
	assert.Contains(t, out, "Git Commit: abc1234")
	assert.Contains(t, out, "Go Version: go")
}

func TestRootShowsHelp(t *testing.T) {
	out, err := execute(t)
	require.NoError(t, err)

	assert.Contains(t, out, "ispbot")
	for _, sub := range []string{"serve", "ingest", "version"} {
		assert.Contains(t, out, sub, "help should list the %s command", sub)
	}
}

func TestIngestRequiresURLs(t *testing.T) {
	out, err := execute(t, "ingest")
	require.Error(t, err)
	assert.True(t, strings.Contains(out, "arg") || strings.Contains(err.Error(), "arg"),
		"error should mention the missing argument, got %q / %v", out, err)
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}
