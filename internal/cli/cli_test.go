package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/gridsweep/internal/archive"
	"github.com/ChuLiYu/gridsweep/internal/storage/backup"
	"github.com/ChuLiYu/gridsweep/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "gridsweep", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 5, "Should have 5 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should set RunE", c.Use)
	}
	for _, name := range []string{"run", "retry", "resume", "status", "history"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand(&options{})

	assert.Equal(t, "run", cmd.Use)
	assert.Contains(t, cmd.Short, "Start")
	for _, name := range []string{"workers", "label", "archive", "no-backup", "metrics"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.Equal(t, "w", cmd.Flags().Lookup("workers").Shorthand)
}

func TestBuildResumeCommand(t *testing.T) {
	cmd := buildResumeCommand(&options{})

	backupFlag := cmd.Flags().Lookup("backup")
	require.NotNil(t, backupFlag)
	assert.Equal(t, "b", backupFlag.Shorthand)
	assert.Equal(t, []string{"true"}, backupFlag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
}

// workspace is a temp directory holding a config and everything it points to.
type workspace struct {
	dir     string
	archive string
	catalog string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	return &workspace{
		dir:     dir,
		archive: filepath.Join(dir, "out", "results.json"),
		catalog: filepath.Join(dir, "out", "catalog.db"),
	}
}

// config writes a small run config; faults is a YAML fragment nested under solver.
func (w *workspace) config(t *testing.T, name, faults string) string {
	t.Helper()
	content := fmt.Sprintf(`
label: cli_test
grid:
  patterns: 2
  frequencies: 1
  steps: 12
  channels: 4
scheduler:
  workers: 3
  progress_interval: 10ms
backup:
  dir: %q
archive:
  path: %q
catalog:
  path: %q
log:
  level: error
solver:
  kind: synthetic
%s
`, w.dir, w.archive, w.catalog, faults)
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunRetryStatusHistory(t *testing.T) {
	w := newWorkspace(t)
	faulty := w.config(t, "faulty.yaml", "  faults:\n    sentinel: [5]\n")
	fixed := w.config(t, "fixed.yaml", "")

	out, err := execute(t, "run", "-c", faulty)
	require.NoError(t, err, "failed cells are not a command error")
	assert.Contains(t, out, "failed:   1 cells [t=5/f=0]")
	assert.Contains(t, out, "gridsweep retry")

	a, err := archive.Load(w.archive)
	require.NoError(t, err)
	assert.Equal(t, []types.StepKey{{Time: 5, Freq: 0}}, a.FailedSteps())

	leftovers, err := filepath.Glob(filepath.Join(w.dir, "._BCKP_*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "backup is deleted after a completed run")

	out, err = execute(t, "retry", "-c", fixed)
	require.NoError(t, err)
	assert.Contains(t, out, "retried 1 cells: 1 repaired, 0 still failed")

	out, err = execute(t, "status", "-c", fixed)
	require.NoError(t, err)
	assert.Contains(t, out, "label:    cli_test")
	assert.Contains(t, out, "failed:   0 cells")

	out, err = execute(t, "retry", "-c", fixed)
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to retry")

	out, err = execute(t, "history", "-c", fixed, "-n", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "retry")
}

func TestResumeFromBackup(t *testing.T) {
	w := newWorkspace(t)
	cfgPath := w.config(t, "config.yaml", "")

	// an interrupted run whose single worker got through steps 0..3
	grid := types.NewGrid(2, 1, 12, 4, 0.02, true)
	path := backup.FileName(w.dir, "cli_test")
	log, err := backup.Open(path, false)
	require.NoError(t, err)
	for step := 0; step < 4; step++ {
		for range grid.Patterns {
			require.NoError(t, log.Append(backup.Record{
				Step:   step,
				Values: []complex128{1, 2, 3, 4},
			}))
		}
	}
	require.NoError(t, log.Close())

	out, err := execute(t, "resume", "-c", cfgPath, "-b", path)
	require.NoError(t, err)
	assert.Contains(t, out, "resumed into")
	assert.Contains(t, out, "0 still failed")

	a, err := archive.Load(w.archive)
	require.NoError(t, err)
	assert.False(t, a.HasFailures())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "backup is removed once resumed")
}

func TestResumeRequiresBackupFlag(t *testing.T) {
	_, err := execute(t, "resume")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup")
}

func TestStatusWithoutArchive(t *testing.T) {
	w := newWorkspace(t)
	out, err := execute(t, "status", "-c", w.config(t, "config.yaml", ""))
	require.NoError(t, err)
	assert.Contains(t, out, "no archive at")
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := execute(t, "status", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestInvalidLogLevel(t *testing.T) {
	w := newWorkspace(t)
	_, err := execute(t, "status", "-c", w.config(t, "config.yaml", ""), "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestRunRejectsInvalidOverride(t *testing.T) {
	w := newWorkspace(t)
	_, err := execute(t, "run", "-c", w.config(t, "config.yaml", ""), "--workers", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.workers")
}
