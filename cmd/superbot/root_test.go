package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/aeolun/superbot/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "Superbot dev\n", out.String())
}

func TestRunRejectsArguments(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"run", "extra"})
	assert.Error(t, cmd.Execute())
}

func TestRunInvalidConfig(t *testing.T) {
	log.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[bot\nmodules = 3\n"), 0o600))

	err := run(context.Background(), runOptions{configPath: path})
	assert.ErrorContains(t, err, "failed to load config")
}

func TestRunStopsWithContext(t *testing.T) {
	log.SetOutput(io.Discard)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")
	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[bot]
modules = ["channels"]
state_db = "`+filepath.ToSlash(dbPath)+`"
`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, run(ctx, runOptions{configPath: cfgPath}))

	// The state database was created and migrated
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	overrides, err := db.LoadOverrides()
	require.NoError(t, err)
	assert.Empty(t, overrides)
}
