package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"account", "create"},
		{"account", "passwd"},
		{"account", "exists"},
		{"mailbox", "create"},
		{"mailbox", "list"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, strings.Join(path, " "))
		assert.Equal(t, path[len(path)-1], cmd.Name())
		assert.NotNil(t, cmd.RunE, strings.Join(path, " "))
	}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestArgumentValidation(t *testing.T) {
	_, err := run(t, "", "account", "create")
	assert.Error(t, err)

	_, err = run(t, "", "account", "create", "a@example.com")
	assert.ErrorContains(t, err, "password")

	_, err = run(t, "", "mailbox", "create", "a@example.com")
	assert.Error(t, err)

	_, err = run(t, "", "migrate", "down", "--limit", "0")
	assert.ErrorContains(t, err, "--limit N or --all")
}

func TestMemoryDriverIsRejected(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[database]\ndriver = \"memory\"\n"), 0o600))

	_, err := run(t, "", "--config", cfgPath, "--env", filepath.Join(dir, "missing.env"), "account", "exists", "a@example.com")
	assert.ErrorContains(t, err, "postgres driver")
}

func TestResolvePassword(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("s3cret\nignored\n"))

	pw, err := resolvePassword(cmd, "-")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	pw, err = resolvePassword(cmd, "direct")
	require.NoError(t, err)
	assert.Equal(t, "direct", pw)

	cmd.SetIn(strings.NewReader(""))
	_, err = resolvePassword(cmd, "-")
	assert.Error(t, err)
}
